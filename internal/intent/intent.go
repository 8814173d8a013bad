// Package intent defines the canonical run intent and the identity
// derivations built on it.
//
// A RunIntent is the normalized form of a submission request. Two requests
// that normalize to byte-identical intents are the same logical run; the
// equivalence key is the caller's idempotency handle over that fact.
package intent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/simrun/internal/canon"
)

// Domain prefixes for content-addressed identity.
const (
	// runIDPrefix is the domain string for run id derivation. The run id
	// is a function of the equivalence key alone, never of the intent
	// fingerprint, so the same key maps to the same run id even before
	// the intent is known to be consistent.
	runIDPrefix = "sr_run|"

	// scenarioPrefix is the domain string for derived scenario ids.
	scenarioPrefix = "sr_scn|"

	// DomainIntent versions the intent fingerprint computation.
	DomainIntent = "simrun/intent/v1"
)

// Strategy selects reuse-vs-invoke behavior for a run.
type Strategy string

const (
	StrategyAuto        Strategy = "AUTO"
	StrategyForceInvoke Strategy = "FORCE_INVOKE"
	StrategyForceReuse  Strategy = "FORCE_REUSE"
)

// ValidStrategy reports whether s is a recognized strategy token.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyAuto, StrategyForceInvoke, StrategyForceReuse:
		return true
	}
	return false
}

// Request is a raw submission before normalization.
type Request struct {
	EquivalenceKey      string
	ManifestFingerprint string
	ParameterHash       string
	Seed                int64
	Scenarios           []string // one or more scenario ids; collapsed on normalization
	WindowStartUTC      string   // RFC 3339
	WindowEndUTC        string   // RFC 3339
	Strategy            Strategy // optional; empty means caller has no preference
	OutputIDs           []string // optional explicit output set
	EngineRunRoot       string   // optional pre-existing engine run root (reuse mode)
}

// RunIntent is the canonical, immutable form of a request.
//
// All slice fields are sorted and deduplicated. Two requests with the same
// equivalence key MUST produce byte-identical RunIntents or the second is
// rejected as a collision.
type RunIntent struct {
	EquivalenceKey      string   `json:"equivalence_key"`
	ManifestFingerprint string   `json:"manifest_fingerprint"`
	ParameterHash       string   `json:"parameter_hash"`
	Seed                int64    `json:"seed"`
	ScenarioID          string   `json:"scenario_id"`
	WindowStartUTC      string   `json:"window_start_utc"`
	WindowEndUTC        string   `json:"window_end_utc"`
	Strategy            Strategy `json:"strategy,omitempty"`
	OutputIDs           []string `json:"output_ids,omitempty"`
	EngineRunRoot       string   `json:"engine_run_root,omitempty"`
}

// Normalize derives the canonical intent from a raw request.
func Normalize(req Request) (RunIntent, error) {
	if strings.TrimSpace(req.EquivalenceKey) == "" {
		return RunIntent{}, fmt.Errorf("equivalence key is required")
	}
	if strings.TrimSpace(req.ManifestFingerprint) == "" {
		return RunIntent{}, fmt.Errorf("manifest fingerprint is required")
	}
	if strings.TrimSpace(req.ParameterHash) == "" {
		return RunIntent{}, fmt.Errorf("parameter hash is required")
	}
	if len(req.Scenarios) == 0 {
		return RunIntent{}, fmt.Errorf("at least one scenario is required")
	}
	if req.Strategy != "" && !ValidStrategy(req.Strategy) {
		return RunIntent{}, fmt.Errorf("unknown strategy %q", req.Strategy)
	}

	scenarioID := CollapseScenarios(req.Scenarios)

	outputs := normalizeIDs(req.OutputIDs)

	return RunIntent{
		EquivalenceKey:      strings.TrimSpace(req.EquivalenceKey),
		ManifestFingerprint: strings.TrimSpace(req.ManifestFingerprint),
		ParameterHash:       strings.TrimSpace(req.ParameterHash),
		Seed:                req.Seed,
		ScenarioID:          scenarioID,
		WindowStartUTC:      strings.TrimSpace(req.WindowStartUTC),
		WindowEndUTC:        strings.TrimSpace(req.WindowEndUTC),
		Strategy:            req.Strategy,
		OutputIDs:           outputs,
		EngineRunRoot:       strings.TrimSpace(req.EngineRunRoot),
	}, nil
}

// CollapseScenarios maps a scenario binding to a single scenario id.
// A single scenario passes through unchanged; a multi-scenario binding
// collapses to a derived id over the sorted, deduplicated set.
func CollapseScenarios(scenarios []string) string {
	ids := normalizeIDs(scenarios)
	if len(ids) == 1 {
		return ids[0]
	}
	digest := canon.HashBytes([]byte(scenarioPrefix + strings.Join(ids, "\x00")))
	return "scn_" + digest[:16]
}

// Fingerprint computes the stable intent fingerprint: a hash of the
// canonical intent's fields, excluding the equivalence key itself.
// The equivalence key is excluded so that the fingerprint answers "is this
// the same content" independently of "is this the same key".
func (in RunIntent) Fingerprint() (string, error) {
	payload := map[string]any{
		"manifest_fingerprint": in.ManifestFingerprint,
		"parameter_hash":       in.ParameterHash,
		"seed":                 in.Seed,
		"scenario_id":          in.ScenarioID,
		"window_start_utc":     in.WindowStartUTC,
		"window_end_utc":       in.WindowEndUTC,
		"strategy":             string(in.Strategy),
		"output_ids":           in.OutputIDs,
		"engine_run_root":      in.EngineRunRoot,
	}
	return canon.HashCanonical(DomainIntent, payload)
}

// RunID derives the run identifier from the equivalence key alone.
// Invariant: run_id = SHA256("sr_run|" + run_equivalence_key), hex encoded.
func RunID(equivalenceKey string) string {
	return canon.HashBytes([]byte(runIDPrefix + equivalenceKey))
}

// Pins returns the partition pin values this intent can render path
// templates against. The run id is supplied by the caller because the
// intent does not carry it.
func (in RunIntent) Pins(runID string) map[string]string {
	return map[string]string{
		"manifest_fingerprint": in.ManifestFingerprint,
		"parameter_hash":       in.ParameterHash,
		"seed":                 fmt.Sprintf("%d", in.Seed),
		"scenario_id":          in.ScenarioID,
		"run_id":               runID,
	}
}

// normalizeIDs trims, deduplicates, and sorts a list of identifiers.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
