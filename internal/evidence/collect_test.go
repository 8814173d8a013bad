package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simrun/internal/canon"
	"github.com/roach88/simrun/internal/catalog"
	"github.com/roach88/simrun/internal/intent"
	"github.com/roach88/simrun/internal/objstore"
	"github.com/roach88/simrun/internal/plan"
	"github.com/roach88/simrun/internal/testutil"
)

const collectRunID = "run-1"

func collectCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse([]byte(`
outputs:
  - id: sim_results
    path_template: "outputs/sim_results/run_id={run_id}/part.jsonl"
    partition_keys: [run_id]
    required: true
    gates: [gate_results]
  - id: reference_table
    path_template: "outputs/reference_table/manifest_fingerprint={manifest_fingerprint}/table.json"
    partition_keys: [manifest_fingerprint]
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
	return cat
}

func collectIntent(t *testing.T) intent.RunIntent {
	t.Helper()
	in, err := intent.Normalize(intent.Request{
		EquivalenceKey:      "key-1",
		ManifestFingerprint: "mf_abc",
		ParameterHash:       "ph_def",
		Seed:                42,
		Scenarios:           []string{"baseline"},
	})
	require.NoError(t, err)
	return in
}

func collectPlan(outputs, gates []string) plan.RunPlan {
	return plan.RunPlan{
		RunID:               collectRunID,
		PolicyRevision:      "rev-1",
		Strategy:            intent.StrategyAuto,
		OutputIDs:           outputs,
		GateIDs:             gates,
		EvidenceDeadlineUTC: "2026-08-31T12:05:00Z",
		AttemptLimit:        2,
		PlanHash:            "ph",
	}
}

func newCollector(store objstore.Store, cat *catalog.Catalog, clock *testutil.Clock) *Collector {
	return &Collector{
		Store:         store,
		Catalog:       cat,
		ReceiptPrefix: "ledger",
		Now:           clock.Now,
	}
}

// layDownPassingEvidence writes the output, the gate bundle, and a marker
// whose claimed digest matches the recomputation.
func layDownPassingEvidence(t *testing.T, store objstore.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "outputs/sim_results/run_id="+collectRunID+"/part.jsonl", []byte("row1\nrow2\n")))
	require.NoError(t, store.Write(ctx, "gates/results/run_id="+collectRunID+"/a.csv", []byte("AAA")))
	require.NoError(t, store.Write(ctx, "gates/results/run_id="+collectRunID+"/b.csv", []byte("BBB")))

	digest := canon.HashBytes([]byte("AAABBB"))
	marker := `{"status":"passed","digest":"` + digest + `"}`
	require.NoError(t, store.Write(ctx, "gates/results/run_id="+collectRunID+"/_PASSED.json", []byte(marker)))
}

func TestCollectWaitingBeforeDeadline(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	c := newCollector(store, collectCatalog(t), clock)

	bundle, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"sim_results"}, []string{"gate_results"}))
	require.NoError(t, err)
	assert.Equal(t, BundleWaiting, bundle.Status)
	assert.Empty(t, bundle.Reason)
	assert.Contains(t, bundle.MissingGates, "gate_results")
}

func TestCollectFailsAfterDeadline(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 10, 0, 0, time.UTC))
	c := newCollector(store, collectCatalog(t), clock)

	bundle, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"sim_results"}, []string{"gate_results"}))
	require.NoError(t, err)
	assert.Equal(t, BundleFail, bundle.Status)
	assert.Equal(t, ReasonEvidenceMissingDeadline, bundle.Reason)
}

func TestCollectComplete(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	c := newCollector(store, collectCatalog(t), clock)

	layDownPassingEvidence(t, store)

	bundle, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"sim_results"}, []string{"gate_results"}))
	require.NoError(t, err)
	assert.Equal(t, BundleComplete, bundle.Status)
	assert.NotEmpty(t, bundle.BundleHash)

	require.Len(t, bundle.GateReceipts, 1)
	assert.Equal(t, GatePass, bundle.GateReceipts[0].Status)
	assert.Equal(t, bundle.GateReceipts[0].ClaimedDigest, bundle.GateReceipts[0].Digest)

	// The partition-scoped output got an instance receipt persisted under
	// the receipt prefix.
	require.Len(t, bundle.InstanceReceipts, 1)
	key := ReceiptKey("ledger", "sim_results", map[string]string{"run_id": collectRunID})
	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	// Re-collection reproduces the identical hash.
	again, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"sim_results"}, []string{"gate_results"}))
	require.NoError(t, err)
	assert.Equal(t, bundle.BundleHash, again.BundleHash)
}

func TestCollectGlobalOutputGetsNoInstanceReceipt(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	c := newCollector(store, collectCatalog(t), clock)

	require.NoError(t, store.Write(ctx, "outputs/reference_table/manifest_fingerprint=mf_abc/table.json", []byte("{}")))

	bundle, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"reference_table"}, nil))
	require.NoError(t, err)
	assert.Equal(t, BundleComplete, bundle.Status)
	assert.Empty(t, bundle.InstanceReceipts)
}

func TestCollectGateFail(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	c := newCollector(store, collectCatalog(t), clock)

	layDownPassingEvidence(t, store)
	require.NoError(t, store.Write(ctx, "gates/results/run_id="+collectRunID+"/_PASSED.json",
		[]byte(`{"status":"failed","digest":"x"}`)))

	bundle, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"sim_results"}, []string{"gate_results"}))
	require.NoError(t, err)
	assert.Equal(t, BundleFail, bundle.Status)
	assert.Equal(t, ReasonGateFail, bundle.Reason)
	require.Len(t, bundle.GateReceipts, 1)
	assert.Equal(t, GateFail, bundle.GateReceipts[0].Status)
}

func TestCollectDigestMismatchIsConflict(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	c := newCollector(store, collectCatalog(t), clock)

	layDownPassingEvidence(t, store)
	require.NoError(t, store.Write(ctx, "gates/results/run_id="+collectRunID+"/_PASSED.json",
		[]byte(`{"status":"passed","digest":"not-the-real-digest"}`)))

	bundle, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"sim_results"}, []string{"gate_results"}))
	require.NoError(t, err)
	assert.Equal(t, BundleConflict, bundle.Status)
	assert.Equal(t, ReasonEvidenceConflict, bundle.Reason)
	require.Len(t, bundle.GateReceipts, 1)
	assert.Equal(t, GateConflict, bundle.GateReceipts[0].Status)
	assert.Empty(t, bundle.BundleHash, "a conflicted bundle never gets a hash")
}

func TestCollectConflictOutranksMissing(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	// Past the deadline: missing alone would be FAIL, but a conflict is
	// a stronger signal and wins.
	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 10, 0, 0, time.UTC))
	c := newCollector(store, collectCatalog(t), clock)

	// Gate bundle exists with a contradicted claim; the required output
	// itself is still missing.
	require.NoError(t, store.Write(ctx, "gates/results/run_id="+collectRunID+"/a.csv", []byte("AAA")))
	require.NoError(t, store.Write(ctx, "gates/results/run_id="+collectRunID+"/_PASSED.json",
		[]byte(`{"status":"passed","digest":"wrong"}`)))

	bundle, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"sim_results"}, []string{"gate_results"}))
	require.NoError(t, err)
	assert.Equal(t, BundleConflict, bundle.Status)
	assert.Equal(t, ReasonEvidenceConflict, bundle.Reason)
}

func TestCollectWildcardOutput(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Parse([]byte(`
outputs:
  - id: shards
    path_template: "outputs/shards/run_id={run_id}/*.jsonl"
    partition_keys: [run_id]
    required: true
gates: []
policy:
  revision: rev-1
  default_outputs: [shards]
  allow_reuse: true
  evidence_wait_seconds: 300
  attempt_limit: 2
  lease_ttl_seconds: 60
`))
	require.NoError(t, err)

	store := objstore.NewMem()
	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	c := newCollector(store, cat, clock)

	require.NoError(t, store.Write(ctx, "outputs/shards/run_id="+collectRunID+"/2.jsonl", []byte("B")))
	require.NoError(t, store.Write(ctx, "outputs/shards/run_id="+collectRunID+"/1.jsonl", []byte("A")))
	require.NoError(t, store.Write(ctx, "outputs/shards/run_id="+collectRunID+"/notes.txt", []byte("skip")))

	bundle, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"shards"}, nil))
	require.NoError(t, err)
	assert.Equal(t, BundleComplete, bundle.Status)
	require.Len(t, bundle.Locators, 1)

	// Matches concatenate in sorted key order; the non-matching file is
	// ignored.
	assert.Equal(t, canon.HashBytes([]byte("AB")), bundle.Locators[0].Digest)
}

func TestCollectReceiptDriftAborts(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	clock := testutil.NewClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	c := newCollector(store, collectCatalog(t), clock)

	layDownPassingEvidence(t, store)

	// Poison the receipt key with a receipt for different content.
	key := ReceiptKey("ledger", "sim_results", map[string]string{"run_id": collectRunID})
	require.NoError(t, store.Write(ctx, key,
		[]byte(`{"output_id":"sim_results","scope":{"run_id":"`+collectRunID+`"},"digest":"stale","path":"elsewhere"}`)))

	_, err := c.Collect(ctx, collectIntent(t), collectPlan([]string{"sim_results"}, []string{"gate_results"}))
	require.Error(t, err)
	assert.True(t, IsReceiptDrift(err))
}
