// Package ledger is the system of record for runs: an append-only record
// log with content-derived event ids, a seen-id index for replay-safe
// appends, and a derived status snapshot enforcing a monotonic state
// machine.
//
// Every mutating operation requires a valid lease (via the Guard), appends
// exactly one record idempotently, and then rewrites the status snapshot
// as a whole document.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/simrun/internal/objstore"
	"github.com/roach88/simrun/internal/plan"
)

// Drift codes for recomputed artifacts disagreeing with committed ones.
const (
	CodePlanDrift      = "PLAN_DRIFT"
	CodeFactsViewDrift = "FACTS_VIEW_DRIFT"
)

// DriftError reports a recomputed plan or facts view that disagrees with
// the committed one for the same run. Fatal for the run; never silently
// overwritten.
type DriftError struct {
	Code  string
	RunID string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%s: run %s", e.Code, e.RunID)
}

// IsDrift reports whether err is a plan or facts view drift.
func IsDrift(err error) bool {
	var de *DriftError
	return errors.As(err, &de)
}

// Guard gates every mutating ledger operation on lease validity.
// Check returns an error (conventionally wrapping state.ErrLeaseLost) when
// the caller no longer holds the run's lease; the operation aborts without
// partially applying.
type Guard interface {
	Check(ctx context.Context) error
}

// NopGuard admits every write. For tests and for operations driven by a
// caller that has already verified its lease.
type NopGuard struct{}

func (NopGuard) Check(ctx context.Context) error { return nil }

// FactsView is the persisted, derived summary of a run's evidence.
type FactsView struct {
	RunID          string            `json:"run_id"`
	BundleStatus   string            `json:"bundle_status"`
	BundleHash     string            `json:"bundle_hash,omitempty"`
	PolicyRevision string            `json:"policy_revision"`
	GateStatuses   map[string]string `json:"gate_statuses"`
	OutputDigests  map[string]string `json:"output_digests"`
}

// Ledger owns the per-run store layout under a fixed prefix.
type Ledger struct {
	store  objstore.Store
	prefix string
	guard  Guard
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithGuard installs the lease guard applied to every mutation.
func WithGuard(g Guard) Option {
	return func(l *Ledger) { l.guard = g }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over a store at the given key prefix.
func New(store objstore.Store, prefix string, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		prefix: strings.TrimSuffix(prefix, "/"),
		guard:  NopGuard{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) key(parts ...string) string {
	if l.prefix == "" {
		return strings.Join(parts, "/")
	}
	return l.prefix + "/" + strings.Join(parts, "/")
}

func (l *Ledger) planKey(runID string) string      { return l.key("run_plan", runID+".json") }
func (l *Ledger) recordKey(runID string) string    { return l.key("run_record", runID+".jsonl") }
func (l *Ledger) indexKey(runID string) string     { return l.key("run_record_index", runID+".json") }
func (l *Ledger) statusKey(runID string) string    { return l.key("run_status", runID+".json") }
func (l *Ledger) factsViewKey(runID string) string { return l.key("run_facts_view", runID+".json") }
func (l *Ledger) readyKey(runID string) string     { return l.key("ready_signal", runID+".json") }

// ReceiptPrefix is the key prefix evidence collectors write instance
// receipts under; it lives inside the ledger layout.
func (l *Ledger) ReceiptPrefix() string { return l.prefix }

// AnchorRun is the first write for a run id; it sets state OPEN.
// Replay-safe: an already-anchored run is a no-op.
func (l *Ledger) AnchorRun(ctx context.Context, runID string) error {
	if err := l.guard.Check(ctx); err != nil {
		return err
	}
	if _, err := l.appendRecord(ctx, runID, RecordRunAnchored, nil); err != nil {
		return err
	}
	exists, err := l.store.Exists(ctx, l.statusKey(runID))
	if err != nil {
		return fmt.Errorf("anchor run %s: %w", runID, err)
	}
	if exists {
		return nil
	}
	return l.writeStatus(ctx, RunStatus{RunID: runID, State: StateOpen})
}

// CommitPlan persists the plan and transitions to PLANNED. If a plan
// already exists for the run it must be byte-identical or the call fails
// with PLAN_DRIFT and no transition occurs; an exact match is an
// idempotent replay.
func (l *Ledger) CommitPlan(ctx context.Context, p plan.RunPlan) error {
	if err := l.guard.Check(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan for %s: %w", p.RunID, err)
	}

	existing, err := l.store.Read(ctx, l.planKey(p.RunID))
	switch {
	case err == nil:
		if !bytes.Equal(existing, data) {
			slog.Error("plan drift detected", "run_id", p.RunID, "plan_hash", p.PlanHash)
			return &DriftError{Code: CodePlanDrift, RunID: p.RunID}
		}
		return nil // exact replay
	case errors.Is(err, objstore.ErrNotFound):
		// first commit; fall through
	default:
		return fmt.Errorf("read existing plan for %s: %w", p.RunID, err)
	}

	if err := l.store.Write(ctx, l.planKey(p.RunID), data); err != nil {
		return fmt.Errorf("persist plan for %s: %w", p.RunID, err)
	}
	if _, err := l.appendRecord(ctx, p.RunID, RecordPlanCommitted, map[string]any{
		"plan_hash": p.PlanHash,
	}); err != nil {
		return err
	}
	return l.transition(ctx, p.RunID, StatePlanned, func(st *RunStatus) {
		st.PlanHash = p.PlanHash
	})
}

// Plan loads the committed plan, or nil if none exists.
func (l *Ledger) Plan(ctx context.Context, runID string) (*plan.RunPlan, error) {
	raw, err := l.store.Read(ctx, l.planKey(runID))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plan for %s: %w", runID, err)
	}
	var p plan.RunPlan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode plan for %s: %w", runID, err)
	}
	return &p, nil
}

// CommitFactsView persists the derived facts view with the same drift
// discipline as CommitPlan: byte-identical replay is idempotent, anything
// else is FACTS_VIEW_DRIFT.
func (l *Ledger) CommitFactsView(ctx context.Context, view FactsView) error {
	if err := l.guard.Check(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal facts view for %s: %w", view.RunID, err)
	}

	existing, err := l.store.Read(ctx, l.factsViewKey(view.RunID))
	switch {
	case err == nil:
		if !bytes.Equal(existing, data) {
			slog.Error("facts view drift detected", "run_id", view.RunID)
			return &DriftError{Code: CodeFactsViewDrift, RunID: view.RunID}
		}
		return nil
	case errors.Is(err, objstore.ErrNotFound):
		// first commit; fall through
	default:
		return fmt.Errorf("read existing facts view for %s: %w", view.RunID, err)
	}

	if err := l.store.Write(ctx, l.factsViewKey(view.RunID), data); err != nil {
		return fmt.Errorf("persist facts view for %s: %w", view.RunID, err)
	}
	if _, err := l.appendRecord(ctx, view.RunID, RecordFactsViewCommitted, map[string]any{
		"bundle_status": view.BundleStatus,
		"bundle_hash":   view.BundleHash,
	}); err != nil {
		return err
	}
	return l.updateStatus(ctx, view.RunID, func(st *RunStatus) {
		st.FactsViewRef = l.factsViewKey(view.RunID)
	})
}

// FactsView loads the committed facts view, or nil if none exists.
func (l *Ledger) FactsView(ctx context.Context, runID string) (*FactsView, error) {
	raw, err := l.store.Read(ctx, l.factsViewKey(runID))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read facts view for %s: %w", runID, err)
	}
	var view FactsView
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("decode facts view for %s: %w", runID, err)
	}
	return &view, nil
}

// MarkExecuting transitions PLANNED/EXECUTING -> EXECUTING for a numbered
// engine attempt.
func (l *Ledger) MarkExecuting(ctx context.Context, runID string, attemptNo int) error {
	if err := l.guard.Check(ctx); err != nil {
		return err
	}
	st, err := l.Status(ctx, runID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("run %s has no status snapshot", runID)
	}
	if st.State != StatePlanned && st.State != StateExecuting {
		return &InvalidTransitionError{RunID: runID, From: st.State, To: StateExecuting}
	}
	if _, err := l.appendRecord(ctx, runID, RecordExecutingMarked, map[string]any{
		"attempt_no": attemptNo,
	}); err != nil {
		return err
	}
	return l.transition(ctx, runID, StateExecuting, nil)
}

// RecordAttemptFinished appends the accounting record for one finished
// engine attempt. No state transition; the caller decides what the
// outcome means for the run.
func (l *Ledger) RecordAttemptFinished(ctx context.Context, runID string, attemptNo int, outcome, reason string) error {
	if err := l.guard.Check(ctx); err != nil {
		return err
	}
	_, err := l.appendRecord(ctx, runID, RecordAttemptFinished, map[string]any{
		"attempt_no": attemptNo,
		"outcome":    outcome,
		"reason":     reason,
	})
	return err
}

// CountFinishedAttempts returns the number of finished-attempt records for
// the run. The next attempt number is this count plus one.
func (l *Ledger) CountFinishedAttempts(ctx context.Context, runID string) (int, error) {
	records, err := l.Records(ctx, runID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if rec.Type == RecordAttemptFinished {
			n++
		}
	}
	return n, nil
}

// checkCommit validates the intended transition against the current
// snapshot. Commits call it before appending so a rejected transition
// leaves no trace in the append-only record log.
func (l *Ledger) checkCommit(ctx context.Context, runID string, to State) error {
	st, err := l.Status(ctx, runID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("run %s has no status snapshot", runID)
	}
	return checkTransition(runID, st.State, to)
}

// CommitWaiting transitions a non-terminal run to WAITING_EVIDENCE.
func (l *Ledger) CommitWaiting(ctx context.Context, runID, reason string) error {
	if err := l.guard.Check(ctx); err != nil {
		return err
	}
	if err := l.checkCommit(ctx, runID, StateWaiting); err != nil {
		return err
	}
	if _, err := l.appendRecord(ctx, runID, RecordWaitingCommitted, map[string]any{
		"reason": reason,
	}); err != nil {
		return err
	}
	return l.transition(ctx, runID, StateWaiting, func(st *RunStatus) {
		st.Reason = reason
	})
}

// CommitReady transitions a non-terminal run to READY and writes the
// ready signal exactly once.
func (l *Ledger) CommitReady(ctx context.Context, runID, bundleHash string) error {
	if err := l.guard.Check(ctx); err != nil {
		return err
	}
	if err := l.checkCommit(ctx, runID, StateReady); err != nil {
		return err
	}
	if _, err := l.appendRecord(ctx, runID, RecordReadyCommitted, map[string]any{
		"bundle_hash": bundleHash,
	}); err != nil {
		return err
	}
	if err := l.transition(ctx, runID, StateReady, func(st *RunStatus) {
		st.Reason = ""
	}); err != nil {
		return err
	}

	signal, err := json.Marshal(map[string]string{
		"run_id":      runID,
		"bundle_hash": bundleHash,
	})
	if err != nil {
		return fmt.Errorf("marshal ready signal for %s: %w", runID, err)
	}
	err = l.store.WriteIfAbsent(ctx, l.readyKey(runID), signal)
	if err != nil && !errors.Is(err, objstore.ErrExists) {
		return fmt.Errorf("write ready signal for %s: %w", runID, err)
	}
	return nil
}

// CommitTerminal transitions a non-terminal run to FAILED or QUARANTINED.
func (l *Ledger) CommitTerminal(ctx context.Context, runID string, terminal State, reason string) error {
	if err := l.guard.Check(ctx); err != nil {
		return err
	}
	if terminal != StateFailed && terminal != StateQuarantined {
		return fmt.Errorf("CommitTerminal: %q is not a terminal failure state", terminal)
	}
	if err := l.checkCommit(ctx, runID, terminal); err != nil {
		return err
	}
	if _, err := l.appendRecord(ctx, runID, RecordTerminalCommitted, map[string]any{
		"state":  string(terminal),
		"reason": reason,
	}); err != nil {
		return err
	}
	return l.transition(ctx, runID, terminal, func(st *RunStatus) {
		st.Reason = reason
	})
}

// Status reads the status snapshot, or nil if the run is unknown.
// Read-only; requires no lease.
func (l *Ledger) Status(ctx context.Context, runID string) (*RunStatus, error) {
	raw, err := l.store.Read(ctx, l.statusKey(runID))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status for %s: %w", runID, err)
	}
	var st RunStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode status for %s: %w", runID, err)
	}
	return &st, nil
}

// ReadySignal reads the ready signal document, or nil if none was written.
func (l *Ledger) ReadySignal(ctx context.Context, runID string) (map[string]string, error) {
	raw, err := l.store.Read(ctx, l.readyKey(runID))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ready signal for %s: %w", runID, err)
	}
	var signal map[string]string
	if err := json.Unmarshal(raw, &signal); err != nil {
		return nil, fmt.Errorf("decode ready signal for %s: %w", runID, err)
	}
	return signal, nil
}

// Records reads the full record log for a run in append order.
func (l *Ledger) Records(ctx context.Context, runID string) ([]Record, error) {
	raw, err := l.store.Read(ctx, l.recordKey(runID))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read records for %s: %w", runID, err)
	}
	var records []Record
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode record line for %s: %w", runID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// appendRecord appends one record idempotently. Returns whether a new line
// was written; a duplicate event id is a no-op regardless of ordering, so
// at-least-once delivery of the same mutation is safe.
func (l *Ledger) appendRecord(ctx context.Context, runID string, recordType RecordType, payload map[string]any) (bool, error) {
	eventID, err := EventID(runID, recordType, payload)
	if err != nil {
		return false, err
	}

	seen, err := l.readIndex(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, id := range seen {
		if id == eventID {
			slog.Debug("record already appended, skipping", "run_id", runID, "type", recordType)
			return false, nil
		}
	}

	rec := Record{
		EventID:       eventID,
		RunID:         runID,
		Type:          recordType,
		Payload:       payload,
		RecordedAtUTC: l.now().UTC().Format(time.RFC3339Nano),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record for %s: %w", runID, err)
	}
	if err := l.store.AppendLines(ctx, l.recordKey(runID), []string{string(line)}); err != nil {
		return false, fmt.Errorf("append record for %s: %w", runID, err)
	}

	seen = append(seen, eventID)
	indexData, err := json.Marshal(seen)
	if err != nil {
		return false, fmt.Errorf("marshal record index for %s: %w", runID, err)
	}
	if err := l.store.Write(ctx, l.indexKey(runID), indexData); err != nil {
		return false, fmt.Errorf("write record index for %s: %w", runID, err)
	}
	return true, nil
}

func (l *Ledger) readIndex(ctx context.Context, runID string) ([]string, error) {
	raw, err := l.store.Read(ctx, l.indexKey(runID))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record index for %s: %w", runID, err)
	}
	var seen []string
	if err := json.Unmarshal(raw, &seen); err != nil {
		return nil, fmt.Errorf("decode record index for %s: %w", runID, err)
	}
	return seen, nil
}

// transition validates against the table and rewrites the snapshot. The
// mutate hook adjusts snapshot fields that travel with the transition.
func (l *Ledger) transition(ctx context.Context, runID string, to State, mutate func(*RunStatus)) error {
	st, err := l.Status(ctx, runID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("run %s has no status snapshot", runID)
	}
	if err := checkTransition(runID, st.State, to); err != nil {
		return err
	}
	from := st.State
	st.State = to
	if mutate != nil {
		mutate(st)
	}
	if err := l.writeStatus(ctx, *st); err != nil {
		return err
	}
	slog.Info("run state transition", "run_id", runID, "from", from, "to", to, "reason", st.Reason)
	return nil
}

// updateStatus rewrites snapshot fields without a state change.
func (l *Ledger) updateStatus(ctx context.Context, runID string, mutate func(*RunStatus)) error {
	st, err := l.Status(ctx, runID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("run %s has no status snapshot", runID)
	}
	mutate(st)
	return l.writeStatus(ctx, *st)
}

func (l *Ledger) writeStatus(ctx context.Context, st RunStatus) error {
	st.UpdatedAtUTC = l.now().UTC().Format(time.RFC3339Nano)
	st.RecordRef = l.recordKey(st.RunID)
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status for %s: %w", st.RunID, err)
	}
	if err := l.store.Write(ctx, l.statusKey(st.RunID), data); err != nil {
		return fmt.Errorf("write status for %s: %w", st.RunID, err)
	}
	return nil
}
