package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simrun/internal/bus"
	"github.com/roach88/simrun/internal/canon"
	"github.com/roach88/simrun/internal/catalog"
	"github.com/roach88/simrun/internal/enginerun"
	"github.com/roach88/simrun/internal/intent"
	"github.com/roach88/simrun/internal/ledger"
	"github.com/roach88/simrun/internal/objstore"
	"github.com/roach88/simrun/internal/state"
	"github.com/roach88/simrun/internal/testutil"
)

const orchKey = "nightly-2026-08-31"

type fixture struct {
	orch    *Orchestrator
	store   *objstore.Mem
	pub     *bus.Mem
	invoker *testutil.ScriptedInvoker
	clock   *testutil.Clock
	runID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(`
outputs:
  - id: sim_results
    path_template: "outputs/sim_results/run_id={run_id}/part.jsonl"
    partition_keys: [run_id]
    required: true
    gates: [gate_results]
gates:
  - id: gate_results
    bundle_template: "gates/results/run_id={run_id}"
    flag_template: "gates/results/run_id={run_id}/_PASSED.json"
    scope_tokens: [run_id]
    exclude: [_PASSED.json]
policy:
  revision: rev-1
  default_outputs: [sim_results]
  allow_reuse: true
  evidence_wait_seconds: 300
  attempt_limit: 2
  lease_ttl_seconds: 60
`))
	require.NoError(t, err)

	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"), state.WithNowFunc(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store := objstore.NewMem()
	pub := bus.NewMem()
	invoker := &testutil.ScriptedInvoker{}

	return &fixture{
		orch: &Orchestrator{
			State:        st,
			Store:        store,
			Catalog:      cat,
			Invoker:      invoker,
			Publisher:    pub,
			OwnerID:      "test-owner",
			LedgerPrefix: "ledger",
			Now:          clock.Now,
		},
		store:   store,
		pub:     pub,
		invoker: invoker,
		clock:   clock,
		runID:   intent.RunID(orchKey),
	}
}

func orchRequest() intent.Request {
	return intent.Request{
		EquivalenceKey:      orchKey,
		ManifestFingerprint: "mf_abc",
		ParameterHash:       "ph_def",
		Seed:                42,
		Scenarios:           []string{"baseline"},
	}
}

// layDownEvidence writes a located output, a verifiable gate bundle, and a
// matching passed marker for the fixture run.
func (f *fixture) layDownEvidence(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Write(ctx, "outputs/sim_results/run_id="+f.runID+"/part.jsonl", []byte("row1\n")))
	require.NoError(t, f.store.Write(ctx, "gates/results/run_id="+f.runID+"/a.csv", []byte("AAA")))
	digest := canon.HashBytes([]byte("AAA"))
	require.NoError(t, f.store.Write(ctx, "gates/results/run_id="+f.runID+"/_PASSED.json",
		[]byte(`{"status":"passed","digest":"`+digest+`"}`)))
}

// layDownEngineReceipt writes the engine's run receipt under the default
// run root so a succeeded attempt verifies.
func (f *fixture) layDownEngineReceipt(t *testing.T) {
	t.Helper()
	receipt, err := json.Marshal(enginerun.Receipt{
		RunID:               f.runID,
		ManifestFingerprint: "mf_abc",
		ParameterHash:       "ph_def",
		Seed:                42,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Write(context.Background(), "engine_runs/"+f.runID+"/run_receipt.json", receipt))
}

func (f *fixture) messages(topic string) []bus.MemMessage {
	var out []bus.MemMessage
	for _, m := range f.pub.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func TestSubmitReusesExistingEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.layDownEvidence(t)

	res, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, f.runID, res.RunID)
	assert.True(t, res.FirstSeen)
	assert.Equal(t, ledger.StateReady, res.State)
	assert.Equal(t, 0, f.invoker.Calls(), "reuse must not invoke the engine")

	ready := f.messages(TopicRunReady)
	require.Len(t, ready, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(ready[0].Payload, &payload))
	assert.Equal(t, f.runID, payload["run_id"])
	assert.Equal(t, ready[0].MessageID, payload["bundle_hash"])
}

func TestSubmitIdempotentRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.layDownEvidence(t)

	first, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)

	second, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.False(t, second.FirstSeen)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, ledger.StateReady, second.State)

	// The readiness notification went out exactly once.
	assert.Len(t, f.messages(TopicRunReady), 1)
	assert.Equal(t, 0, f.invoker.Calls())
}

func TestSubmitCollisionRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.layDownEvidence(t)

	_, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)

	req := orchRequest()
	req.Seed = 43
	_, err = f.orch.SubmitRun(ctx, req)
	require.Error(t, err)
	assert.True(t, state.IsCollision(err))
}

func TestSubmitWaitsForEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := orchRequest()
	req.Strategy = intent.StrategyForceReuse

	res, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateWaiting, res.State)
	assert.Equal(t, 0, f.invoker.Calls())
	assert.Empty(t, f.pub.Messages)

	// Evidence shows up; the next pass settles the run.
	f.layDownEvidence(t)
	res, err = f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReady, res.State)
}

func TestSubmitInvokesEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.invoker.Results = []enginerun.Result{{Outcome: enginerun.OutcomeSucceeded}}
	f.invoker.OnInvoke = func(payload enginerun.InvocationPayload) {
		f.layDownEngineReceipt(t)
		f.layDownEvidence(t)
	}

	res, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReady, res.State)
	assert.Equal(t, 1, f.invoker.Calls())

	payload := f.invoker.Payloads[0]
	assert.Equal(t, f.runID, payload.RunID)
	assert.Equal(t, 1, payload.AttemptNo)
	assert.Equal(t, "engine_runs/"+f.runID, payload.RunRoot)
	assert.Equal(t, []string{"sim_results"}, payload.OutputIDs)

	assert.Len(t, f.messages(TopicRunReady), 1)
}

func TestSubmitRepollsWaitingRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The engine succeeds and its receipt verifies, but the evidence has
	// not landed yet; the run parks in WAITING_EVIDENCE.
	f.invoker.Results = []enginerun.Result{{Outcome: enginerun.OutcomeSucceeded}}
	f.invoker.OnInvoke = func(payload enginerun.InvocationPayload) {
		f.layDownEngineReceipt(t)
	}

	res, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	require.Equal(t, ledger.StateWaiting, res.State)
	require.Equal(t, 1, f.invoker.Calls())

	// Re-polling before the deadline stays WAITING without a fresh attempt.
	res, err = f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateWaiting, res.State)
	assert.Equal(t, 1, f.invoker.Calls())

	// The evidence lands; the next pass settles the run.
	f.layDownEvidence(t)
	res, err = f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReady, res.State)
	assert.Equal(t, 1, f.invoker.Calls())
	assert.Len(t, f.messages(TopicRunReady), 1)
}

func TestSubmitForceInvokeRepollsWaitingRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := orchRequest()
	req.Strategy = intent.StrategyForceInvoke
	f.invoker.Results = []enginerun.Result{{Outcome: enginerun.OutcomeSucceeded}}
	f.invoker.OnInvoke = func(payload enginerun.InvocationPayload) {
		f.layDownEngineReceipt(t)
	}

	res, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ledger.StateWaiting, res.State)

	// FORCE_INVOKE still re-collects a waiting run rather than re-running
	// the engine.
	f.layDownEvidence(t)
	res, err = f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReady, res.State)
	assert.Equal(t, 1, f.invoker.Calls())
}

func TestSubmitDowngradesSuccessWithoutReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The engine claims success but never writes its receipt; the attempt
	// is downgraded and retried on the next pass, then fails the run.
	f.invoker.Results = []enginerun.Result{{Outcome: enginerun.OutcomeSucceeded}}
	f.invoker.OnInvoke = func(payload enginerun.InvocationPayload) {
		_ = f.store.Write(context.Background(), payload.RunRoot+"/output.jsonl", []byte("data"))
	}

	res, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateExecuting, res.State, "attempts remain after the first downgrade")

	res, err = f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, res.State)
	assert.Equal(t, enginerun.ReasonReceiptMissing, res.Reason)
	assert.Equal(t, 2, f.invoker.Calls())

	terminal := f.messages(TopicRunTerminal)
	require.Len(t, terminal, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(terminal[0].Payload, &payload))
	assert.Equal(t, string(ledger.StateFailed), payload["state"])
	assert.Equal(t, enginerun.ReasonReceiptMissing, payload["reason"])
}

func TestSubmitEngineFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.invoker.Results = []enginerun.Result{
		{Outcome: enginerun.OutcomeFailed, ReasonCode: enginerun.ReasonExitNonzero},
	}

	res, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateExecuting, res.State)

	res, err = f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, res.State)
	assert.Equal(t, enginerun.ReasonExitNonzero, res.Reason)

	// A third delivery republishes the terminal notification without
	// invoking again; the bus dedups it.
	res, err = f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, res.State)
	assert.Equal(t, 2, f.invoker.Calls())
	assert.Len(t, f.messages(TopicRunTerminal), 1)
}

func TestSubmitQuarantinesOnConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A passed marker whose digest the recomputation contradicts.
	require.NoError(t, f.store.Write(ctx, "outputs/sim_results/run_id="+f.runID+"/part.jsonl", []byte("row1\n")))
	require.NoError(t, f.store.Write(ctx, "gates/results/run_id="+f.runID+"/a.csv", []byte("AAA")))
	require.NoError(t, f.store.Write(ctx, "gates/results/run_id="+f.runID+"/_PASSED.json",
		[]byte(`{"status":"passed","digest":"tampered"}`)))

	res, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateQuarantined, res.State)
	assert.Equal(t, ReasonEvidenceConflict, res.Reason)
	assert.Equal(t, 0, f.invoker.Calls(), "conflicted evidence is never overwritten by re-running")

	terminal := f.messages(TopicRunTerminal)
	require.Len(t, terminal, 1)
}

func TestSubmitLeaseDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	granted, _, err := f.orch.State.Acquire(ctx, f.runID, "other-orchestrator", time.Minute)
	require.NoError(t, err)
	require.True(t, granted)

	res, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.True(t, res.LeaseDenied)
	assert.Equal(t, ledger.StateOpen, res.State)
	assert.Equal(t, 0, f.invoker.Calls())
	assert.Empty(t, f.pub.Messages)
}

func TestSubmitPlanStableAcrossPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := orchRequest()
	req.Strategy = intent.StrategyForceReuse
	_, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)

	// Wall time advances between passes; the plan is compiled against the
	// anchor record's timestamp, so the recompiled plan is identical.
	f.clock.Advance(2 * time.Minute)
	res, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateWaiting, res.State)
}

func TestSubmitPlanDriftOnPolicyChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := orchRequest()
	req.Strategy = intent.StrategyForceReuse
	_, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)

	f.orch.Catalog.Policy.Revision = "rev-2"
	_, err = f.orch.SubmitRun(ctx, req)
	require.Error(t, err)
	assert.True(t, ledger.IsDrift(err))
}

func TestSubmitAttemptLimitExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two attempts already on the books for this run id; the next pass may
	// not invoke again and must fail the run.
	led := ledger.New(f.store, "ledger")
	require.NoError(t, led.RecordAttemptFinished(ctx, f.runID, 1, enginerun.OutcomeFailed, enginerun.ReasonExitNonzero))
	require.NoError(t, led.RecordAttemptFinished(ctx, f.runID, 2, enginerun.OutcomeFailed, enginerun.ReasonExitNonzero))

	res, err := f.orch.SubmitRun(ctx, orchRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, res.State)
	assert.Equal(t, enginerun.ReasonAttemptLimitExceeded, res.Reason)
	assert.Equal(t, 0, f.invoker.Calls())
}

func TestSubmitEvidenceDeadlineExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := orchRequest()
	req.Strategy = intent.StrategyForceReuse
	res, err := f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ledger.StateWaiting, res.State)

	f.clock.Advance(10 * time.Minute)
	res, err = f.orch.SubmitRun(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, res.State)
	assert.Equal(t, "EVIDENCE_MISSING_DEADLINE", res.Reason)
}
