// Package orchestrator implements the run orchestration protocol: derive
// identity, take the lease, compile and commit the plan, reuse or invoke,
// collect evidence, drive the ledger state machine, and publish readiness.
//
// One call to SubmitRun is one orchestration pass. Transient outcomes
// (lease denied, waiting on evidence, a failed attempt with attempts
// remaining) are returned as the run's current state for the caller to
// re-poll; the pass never blocks waiting for evidence to appear.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/simrun/internal/bus"
	"github.com/roach88/simrun/internal/catalog"
	"github.com/roach88/simrun/internal/enginerun"
	"github.com/roach88/simrun/internal/evidence"
	"github.com/roach88/simrun/internal/intent"
	"github.com/roach88/simrun/internal/ledger"
	"github.com/roach88/simrun/internal/objstore"
	"github.com/roach88/simrun/internal/plan"
	"github.com/roach88/simrun/internal/state"
)

// Bus topics.
const (
	TopicRunReady    = "run_ready"
	TopicRunTerminal = "run_terminal"
)

// Terminal reason carried when evidence conflicts route to quarantine.
const ReasonEvidenceConflict = evidence.ReasonEvidenceConflict

// ReasonInstanceReceiptDrift terminates a run whose receipt recomputation
// disagreed with the stored receipt.
const ReasonInstanceReceiptDrift = "INSTANCE_RECEIPT_DRIFT"

// Orchestrator wires the collaborators for one deployment.
type Orchestrator struct {
	State        *state.Store
	Store        objstore.Store
	Catalog      *catalog.Catalog
	Invoker      enginerun.Invoker
	Publisher    bus.Publisher
	OwnerID      string
	LedgerPrefix string
	Now          func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// SubmitResult is one pass's outcome: the run's identity and its current
// persisted state.
type SubmitResult struct {
	RunID        string       `json:"run_id"`
	State        ledger.State `json:"state"`
	Reason       string       `json:"reason,omitempty"`
	FirstSeen    bool         `json:"first_seen"`
	LeaseDenied  bool         `json:"lease_denied,omitempty"`
	StatusRef    string       `json:"status_ref"`
	RecordRef    string       `json:"record_ref"`
	FactsViewRef string       `json:"facts_view_ref,omitempty"`
}

// leaseGuard renews the caller's lease before every mutating ledger step.
// Renewal doubles as the validity check: a lease that cannot be renewed is
// lost, and the step aborts before applying anything.
type leaseGuard struct {
	state *state.Store
	runID string
	token string
	ttl   time.Duration
}

func (g *leaseGuard) Check(ctx context.Context) error {
	renewed, err := g.state.Renew(ctx, g.runID, g.token, g.ttl)
	if err != nil {
		return err
	}
	if !renewed {
		return fmt.Errorf("run %s: %w", g.runID, state.ErrLeaseLost)
	}
	return nil
}

// SubmitRun performs one orchestration pass for a request.
//
// Identity conflicts (EQUIV_KEY_COLLISION), drift (PLAN_DRIFT,
// INSTANCE_RECEIPT_DRIFT), and lease loss mid-pass surface as errors;
// everything else lands in the returned state.
func (o *Orchestrator) SubmitRun(ctx context.Context, req intent.Request) (SubmitResult, error) {
	in, err := intent.Normalize(req)
	if err != nil {
		return SubmitResult{}, err
	}
	fingerprint, err := in.Fingerprint()
	if err != nil {
		return SubmitResult{}, err
	}

	runID, firstSeen, err := o.State.Resolve(ctx, in.EquivalenceKey, fingerprint)
	if err != nil {
		return SubmitResult{}, err
	}
	slog.Info("run resolved", "run_id", runID, "first_seen", firstSeen)

	ttl := time.Duration(o.Catalog.Policy.LeaseTTLSeconds) * time.Second
	granted, token, err := o.State.Acquire(ctx, runID, o.OwnerID, ttl)
	if err != nil {
		return SubmitResult{}, err
	}
	led := o.ledgerFor(runID, token, ttl)
	if !granted {
		// Another orchestrator holds the run; report, never mutate.
		slog.Info("lease denied, returning current status", "run_id", runID)
		res, err := o.currentResult(ctx, led, runID, firstSeen)
		if err != nil {
			return SubmitResult{}, err
		}
		res.LeaseDenied = true
		return res, nil
	}

	if err := led.AnchorRun(ctx, runID); err != nil {
		return SubmitResult{}, err
	}

	p, err := o.ensurePlan(ctx, led, in, runID)
	if err != nil {
		return SubmitResult{}, err
	}

	if err := o.drive(ctx, led, in, *p); err != nil {
		return SubmitResult{}, err
	}
	return o.currentResult(ctx, led, runID, firstSeen)
}

func (o *Orchestrator) ledgerFor(runID, token string, ttl time.Duration) *ledger.Ledger {
	opts := []ledger.Option{ledger.WithNowFunc(o.now)}
	if token != "" {
		opts = append(opts, ledger.WithGuard(&leaseGuard{state: o.State, runID: runID, token: token, ttl: ttl}))
	}
	return ledger.New(o.Store, o.LedgerPrefix, opts...)
}

// ensurePlan commits the compiled plan, or returns the one already
// committed. Compilation is anchored to the run's first record timestamp
// so a re-submission compiles the identical plan unless the catalogue or
// request actually changed, in which case CommitPlan raises PLAN_DRIFT.
func (o *Orchestrator) ensurePlan(ctx context.Context, led *ledger.Ledger, in intent.RunIntent, runID string) (*plan.RunPlan, error) {
	anchor, err := o.anchorTime(ctx, led, runID)
	if err != nil {
		return nil, err
	}
	compiled, err := plan.Compile(in, runID, o.Catalog, anchor)
	if err != nil {
		return nil, err
	}
	if err := led.CommitPlan(ctx, compiled); err != nil {
		return nil, err
	}
	return &compiled, nil
}

func (o *Orchestrator) anchorTime(ctx context.Context, led *ledger.Ledger, runID string) (time.Time, error) {
	records, err := led.Records(ctx, runID)
	if err != nil {
		return time.Time{}, err
	}
	for _, rec := range records {
		if rec.Type == ledger.RecordRunAnchored {
			t, err := time.Parse(time.RFC3339Nano, rec.RecordedAtUTC)
			if err == nil {
				return t, nil
			}
		}
	}
	return o.now(), nil
}

// drive advances the run as far as one pass can take it.
func (o *Orchestrator) drive(ctx context.Context, led *ledger.Ledger, in intent.RunIntent, p plan.RunPlan) error {
	st, err := led.Status(ctx, p.RunID)
	if err != nil {
		return err
	}
	if st != nil && st.State.Terminal() {
		// Idempotent redelivery: make sure the terminal notification is out.
		return o.republish(ctx, led, p, st)
	}

	collector := &evidence.Collector{
		Store:         o.Store,
		Catalog:       o.Catalog,
		ReceiptPrefix: led.ReceiptPrefix(),
		Now:           o.now,
	}

	// A run already waiting on evidence settles by collection alone,
	// whatever the strategy: the engine work is done and its outputs are
	// still landing. Re-polling either finds the evidence, converts the
	// miss past the deadline, or stays WAITING.
	if st != nil && st.State == ledger.StateWaiting {
		bundle, err := collector.Collect(ctx, in, p)
		if err != nil {
			return o.handleCollectError(ctx, led, p, err)
		}
		_, err = o.settleBundle(ctx, led, p, bundle, true)
		return err
	}

	// Reuse path: every strategy except FORCE_INVOKE looks for existing
	// evidence before considering the engine.
	if p.Strategy != intent.StrategyForceInvoke {
		bundle, err := collector.Collect(ctx, in, p)
		if err != nil {
			return o.handleCollectError(ctx, led, p, err)
		}
		settled, err := o.settleBundle(ctx, led, p, bundle, p.Strategy == intent.StrategyForceReuse)
		if err != nil || settled {
			return err
		}
	}

	if p.Strategy == intent.StrategyForceReuse {
		return nil
	}

	if err := o.attempt(ctx, led, in, p, collector); err != nil {
		return err
	}
	return nil
}

// settleBundle applies a collected bundle to the ledger. Returns
// settled=false only for a WAITING bundle that should fall through to an
// engine attempt (AUTO strategy).
func (o *Orchestrator) settleBundle(ctx context.Context, led *ledger.Ledger, p plan.RunPlan, bundle evidence.Bundle, waitInPlace bool) (bool, error) {
	switch bundle.Status {
	case evidence.BundleComplete:
		return true, o.finalizeReady(ctx, led, p, bundle)
	case evidence.BundleConflict:
		return true, o.finalizeTerminal(ctx, led, p, bundle, ledger.StateQuarantined, ReasonEvidenceConflict)
	case evidence.BundleFail:
		return true, o.finalizeTerminal(ctx, led, p, bundle, ledger.StateFailed, bundle.Reason)
	case evidence.BundleWaiting:
		if waitInPlace {
			return true, led.CommitWaiting(ctx, p.RunID, "")
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown bundle status %q", bundle.Status)
	}
}

func (o *Orchestrator) handleCollectError(ctx context.Context, led *ledger.Ledger, p plan.RunPlan, err error) error {
	if evidence.IsReceiptDrift(err) {
		if termErr := o.commitFailed(ctx, led, p, ReasonInstanceReceiptDrift); termErr != nil {
			return termErr
		}
		return err
	}
	return err
}

// commitFailed commits the FAILED terminal state and publishes the
// terminal notification in one step.
func (o *Orchestrator) commitFailed(ctx context.Context, led *ledger.Ledger, p plan.RunPlan, reason string) error {
	if err := led.CommitTerminal(ctx, p.RunID, ledger.StateFailed, reason); err != nil {
		return err
	}
	return o.publishTerminal(ctx, p, ledger.StateFailed, reason)
}

// attempt runs one numbered engine attempt, bounded by the plan's attempt
// limit, then re-collects evidence.
func (o *Orchestrator) attempt(ctx context.Context, led *ledger.Ledger, in intent.RunIntent, p plan.RunPlan, collector *evidence.Collector) error {
	finished, err := led.CountFinishedAttempts(ctx, p.RunID)
	if err != nil {
		return err
	}
	attemptNo := finished + 1
	if attemptNo > p.AttemptLimit {
		// Record the refusal without invoking the engine.
		if err := led.RecordAttemptFinished(ctx, p.RunID, attemptNo, enginerun.OutcomeFailed, enginerun.ReasonAttemptLimitExceeded); err != nil {
			return err
		}
		return o.commitFailed(ctx, led, p, enginerun.ReasonAttemptLimitExceeded)
	}

	if err := led.MarkExecuting(ctx, p.RunID, attemptNo); err != nil {
		return err
	}

	runRoot := in.EngineRunRoot
	if runRoot == "" {
		runRoot = "engine_runs/" + p.RunID
	}
	payload := enginerun.InvocationPayload{
		RunID:               p.RunID,
		AttemptNo:           attemptNo,
		ManifestFingerprint: in.ManifestFingerprint,
		ParameterHash:       in.ParameterHash,
		Seed:                in.Seed,
		ScenarioID:          in.ScenarioID,
		OutputIDs:           p.OutputIDs,
		RunRoot:             runRoot,
	}

	result, err := o.Invoker.Invoke(ctx, payload)
	if err != nil {
		return err
	}

	reason := result.ReasonCode
	outcome := result.Outcome
	if outcome == enginerun.OutcomeSucceeded {
		// A successful attempt counts only if the engine's own receipt
		// agrees with the intent.
		downgrade, err := enginerun.VerifyReceipt(ctx, o.Store, result.RunRoot, in, p.RunID)
		if err != nil {
			return err
		}
		if downgrade != "" {
			outcome = enginerun.OutcomeFailed
			reason = downgrade
			slog.Warn("engine attempt downgraded", "run_id", p.RunID, "attempt_no", attemptNo, "reason", reason)
		}
	}

	if err := led.RecordAttemptFinished(ctx, p.RunID, attemptNo, outcome, reason); err != nil {
		return err
	}

	if outcome == enginerun.OutcomeFailed {
		if attemptNo >= p.AttemptLimit {
			return o.commitFailed(ctx, led, p, reason)
		}
		// Attempts remain; the run stays EXECUTING for a fresh pass.
		return nil
	}

	bundle, err := collector.Collect(ctx, in, p)
	if err != nil {
		return o.handleCollectError(ctx, led, p, err)
	}
	_, err = o.settleBundle(ctx, led, p, bundle, true)
	return err
}

// finalizeReady commits the facts view and READY state, then publishes
// the readiness notification keyed by the bundle hash.
func (o *Orchestrator) finalizeReady(ctx context.Context, led *ledger.Ledger, p plan.RunPlan, bundle evidence.Bundle) error {
	if err := led.CommitFactsView(ctx, factsView(p, bundle)); err != nil {
		return err
	}
	if err := led.CommitReady(ctx, p.RunID, bundle.BundleHash); err != nil {
		return err
	}
	return o.publishReady(ctx, p.RunID, bundle.BundleHash)
}

func (o *Orchestrator) finalizeTerminal(ctx context.Context, led *ledger.Ledger, p plan.RunPlan, bundle evidence.Bundle, terminal ledger.State, reason string) error {
	if err := led.CommitFactsView(ctx, factsView(p, bundle)); err != nil {
		return err
	}
	if err := led.CommitTerminal(ctx, p.RunID, terminal, reason); err != nil {
		return err
	}
	return o.publishTerminal(ctx, p, terminal, reason)
}

// republish re-sends the notification for an already-terminal run; the
// message id dedup makes this safe under redelivery.
func (o *Orchestrator) republish(ctx context.Context, led *ledger.Ledger, p plan.RunPlan, st *ledger.RunStatus) error {
	if st.State == ledger.StateReady {
		signal, err := led.ReadySignal(ctx, p.RunID)
		if err != nil {
			return err
		}
		if signal != nil {
			return o.publishReady(ctx, p.RunID, signal["bundle_hash"])
		}
		return nil
	}
	return o.publishTerminal(ctx, p, st.State, st.Reason)
}

func (o *Orchestrator) publishReady(ctx context.Context, runID, bundleHash string) error {
	payload, err := json.Marshal(map[string]string{
		"run_id":      runID,
		"bundle_hash": bundleHash,
	})
	if err != nil {
		return err
	}
	return o.Publisher.Publish(ctx, TopicRunReady, payload, bundleHash)
}

func (o *Orchestrator) publishTerminal(ctx context.Context, p plan.RunPlan, terminal ledger.State, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"run_id": p.RunID,
		"state":  string(terminal),
		"reason": reason,
	})
	if err != nil {
		return err
	}
	return o.Publisher.Publish(ctx, TopicRunTerminal, payload, p.PlanHash)
}

func factsView(p plan.RunPlan, bundle evidence.Bundle) ledger.FactsView {
	gates := make(map[string]string, len(bundle.GateReceipts))
	for _, g := range bundle.GateReceipts {
		gates[g.GateID] = string(g.Status)
	}
	outputs := make(map[string]string, len(bundle.Locators))
	for _, l := range bundle.Locators {
		if !l.Missing {
			outputs[l.OutputID] = l.Digest
		}
	}
	return ledger.FactsView{
		RunID:          p.RunID,
		BundleStatus:   string(bundle.Status),
		BundleHash:     bundle.BundleHash,
		PolicyRevision: p.PolicyRevision,
		GateStatuses:   gates,
		OutputDigests:  outputs,
	}
}

// currentResult snapshots the run's persisted state into a SubmitResult.
func (o *Orchestrator) currentResult(ctx context.Context, led *ledger.Ledger, runID string, firstSeen bool) (SubmitResult, error) {
	st, err := led.Status(ctx, runID)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{RunID: runID, FirstSeen: firstSeen}
	if st == nil {
		res.State = ledger.StateOpen
		return res, nil
	}
	res.State = st.State
	res.Reason = st.Reason
	res.StatusRef = o.LedgerPrefix + "/run_status/" + runID + ".json"
	res.RecordRef = st.RecordRef
	res.FactsViewRef = st.FactsViewRef
	return res, nil
}
