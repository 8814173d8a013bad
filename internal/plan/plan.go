// Package plan compiles a canonical intent into an immutable, content-
// addressed run plan: which outputs are intended, which gates (including
// transitive upstream dependencies) must verify, which strategy applies,
// and how long evidence may be awaited.
//
// Compilation is pure given the catalogue and policy: the same intent
// always yields the same plan hash, which is what lets the ledger detect
// plan drift on re-submission.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/simrun/internal/canon"
	"github.com/roach88/simrun/internal/catalog"
	"github.com/roach88/simrun/internal/intent"
)

// DomainPlan versions the plan hash computation.
const DomainPlan = "simrun/plan/v1"

// UnknownOutputError reports a requested output id absent from the catalogue.
type UnknownOutputError struct {
	OutputID string
}

func (e *UnknownOutputError) Error() string {
	return fmt.Sprintf("UNKNOWN_OUTPUT_ID: %q", e.OutputID)
}

// UnknownGateError reports a gate id absent from the gate map. Can surface
// anywhere in the closure, not just on directly-declared gates.
type UnknownGateError struct {
	GateID string
}

func (e *UnknownGateError) Error() string {
	return fmt.Sprintf("UNKNOWN_GATE_ID: %q", e.GateID)
}

// IsUnknownID reports whether err is an unknown output or gate id error.
func IsUnknownID(err error) bool {
	var oe *UnknownOutputError
	var ge *UnknownGateError
	return errors.As(err, &oe) || errors.As(err, &ge)
}

// RunPlan is immutable once committed to the ledger. Re-submission with a
// different plan for the same run id is a drift violation.
type RunPlan struct {
	RunID               string          `json:"run_id"`
	PolicyRevision      string          `json:"policy_revision"`
	Strategy            intent.Strategy `json:"strategy"`
	OutputIDs           []string        `json:"output_ids"`            // sorted
	GateIDs             []string        `json:"gate_ids"`              // sorted transitive closure
	EvidenceDeadlineUTC string          `json:"evidence_deadline_utc"` // RFC 3339
	AttemptLimit        int             `json:"attempt_limit"`
	PlanHash            string          `json:"plan_hash"`
}

// Compile resolves the intent against the catalogue into a RunPlan.
//
// Steps: resolve the output set (explicit list or the policy default),
// close over required gates transitively, select the strategy, stamp the
// evidence deadline and attempt limit, and hash the result.
func Compile(in intent.RunIntent, runID string, cat *catalog.Catalog, now time.Time) (RunPlan, error) {
	outputIDs := in.OutputIDs
	if len(outputIDs) == 0 {
		outputIDs = append([]string(nil), cat.Policy.DefaultOutputs...)
		sort.Strings(outputIDs)
	}
	for _, id := range outputIDs {
		if _, ok := cat.Outputs[id]; !ok {
			return RunPlan{}, &UnknownOutputError{OutputID: id}
		}
	}

	gateIDs, err := requiredGates(outputIDs, cat)
	if err != nil {
		return RunPlan{}, err
	}

	strategy := selectStrategy(in.Strategy, cat.Policy)

	p := RunPlan{
		RunID:               runID,
		PolicyRevision:      cat.Policy.Revision,
		Strategy:            strategy,
		OutputIDs:           append([]string(nil), outputIDs...),
		GateIDs:             gateIDs,
		EvidenceDeadlineUTC: now.UTC().Add(time.Duration(cat.Policy.EvidenceWaitSeconds) * time.Second).Format(time.RFC3339),
		AttemptLimit:        cat.Policy.AttemptLimit,
	}

	hash, err := p.computeHash()
	if err != nil {
		return RunPlan{}, err
	}
	p.PlanHash = hash
	return p, nil
}

// requiredGates computes the minimal closed gate set for the output set:
// each output's prerequisite gates, every gate whose authorizes-outputs set
// intersects the outputs, then a fixed point over upstream dependencies.
func requiredGates(outputIDs []string, cat *catalog.Catalog) ([]string, error) {
	wanted := make(map[string]bool, len(outputIDs))
	for _, id := range outputIDs {
		wanted[id] = true
	}

	frontier := make([]string, 0)
	seen := make(map[string]bool)
	add := func(gateID string) {
		if !seen[gateID] {
			seen[gateID] = true
			frontier = append(frontier, gateID)
		}
	}

	for _, id := range outputIDs {
		for _, g := range cat.Outputs[id].Gates {
			add(g)
		}
	}
	// Deterministic iteration over the gate map.
	gateIDs := make([]string, 0, len(cat.Gates))
	for id := range cat.Gates {
		gateIDs = append(gateIDs, id)
	}
	sort.Strings(gateIDs)
	for _, gid := range gateIDs {
		for _, out := range cat.Gates[gid].AuthorizesOutputs {
			if wanted[out] {
				add(gid)
				break
			}
		}
	}

	for len(frontier) > 0 {
		gid := frontier[0]
		frontier = frontier[1:]
		spec, ok := cat.Gates[gid]
		if !ok {
			return nil, &UnknownGateError{GateID: gid}
		}
		for _, up := range spec.Upstream {
			add(up)
		}
	}

	closed := make([]string, 0, len(seen))
	for gid := range seen {
		closed = append(closed, gid)
	}
	sort.Strings(closed)
	return closed, nil
}

// selectStrategy applies policy over the caller's preference. A policy that
// forbids reuse overrides everything; otherwise the caller's requested
// strategy wins, defaulting to AUTO.
func selectStrategy(requested intent.Strategy, pol catalog.Policy) intent.Strategy {
	if !pol.AllowReuse {
		return intent.StrategyForceInvoke
	}
	if requested != "" {
		return requested
	}
	return intent.StrategyAuto
}

// computeHash hashes the plan payload excluding the hash field itself,
// using canonical serialization.
func (p RunPlan) computeHash() (string, error) {
	payload := map[string]any{
		"run_id":                p.RunID,
		"policy_revision":       p.PolicyRevision,
		"strategy":              string(p.Strategy),
		"output_ids":            p.OutputIDs,
		"gate_ids":              p.GateIDs,
		"evidence_deadline_utc": p.EvidenceDeadlineUTC,
		"attempt_limit":         p.AttemptLimit,
	}
	return canon.HashCanonical(DomainPlan, payload)
}

// EvidenceDeadline parses the plan's evidence deadline.
func (p RunPlan) EvidenceDeadline() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, p.EvidenceDeadlineUTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse evidence deadline: %w", err)
	}
	return t, nil
}
