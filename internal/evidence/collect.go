package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/roach88/simrun/internal/canon"
	"github.com/roach88/simrun/internal/catalog"
	"github.com/roach88/simrun/internal/intent"
	"github.com/roach88/simrun/internal/objstore"
	"github.com/roach88/simrun/internal/plan"
)

// Collector assembles evidence bundles. The store serves both roles:
// reading engine artifacts and writing instance receipts under the ledger
// prefix.
type Collector struct {
	Store         objstore.Store
	Catalog       *catalog.Catalog
	ReceiptPrefix string
	Now           func() time.Time
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Collect runs one evidence pass for the plan: resolve locators, verify
// gates, issue instance receipts, aggregate.
//
// A ReceiptDriftError aborts collection; everything else is folded into
// the bundle status. Conflicts always take precedence over incompleteness
// because they indicate tampering or non-determinism, not mere lateness.
func (c *Collector) Collect(ctx context.Context, in intent.RunIntent, p plan.RunPlan) (Bundle, error) {
	pins := in.Pins(p.RunID)
	bundle := Bundle{
		Locators:         []Locator{},
		GateReceipts:     []GateReceipt{},
		InstanceReceipts: []InstanceReceipt{},
	}

	requiredMissing := false

	for _, outputID := range p.OutputIDs {
		spec, ok := c.Catalog.Outputs[outputID]
		if !ok {
			return Bundle{}, fmt.Errorf("plan names output %q not in catalogue", outputID)
		}
		loc, err := c.resolveLocator(ctx, spec, pins)
		if err != nil {
			return Bundle{}, err
		}
		bundle.Locators = append(bundle.Locators, loc)
		if loc.Missing {
			if loc.Required {
				requiredMissing = true
			}
			slog.Debug("output not located", "output_id", outputID, "required", loc.Required)
			continue
		}

		if !spec.GlobalScope() {
			receipt, err := c.ensureInstanceReceipt(ctx, spec, loc, pins)
			if err != nil {
				return Bundle{}, err
			}
			bundle.InstanceReceipts = append(bundle.InstanceReceipts, receipt)
		}
	}

	for _, gateID := range p.GateIDs {
		spec, ok := c.Catalog.Gates[gateID]
		if !ok {
			return Bundle{}, fmt.Errorf("plan names gate %q not in gate map", gateID)
		}
		receipt, missing, err := c.verifyGate(ctx, spec, pins)
		if err != nil {
			return Bundle{}, err
		}
		if missing {
			bundle.MissingGates = append(bundle.MissingGates, gateID)
			requiredMissing = true
			continue
		}
		bundle.GateReceipts = append(bundle.GateReceipts, receipt)
	}

	return c.aggregate(bundle, p, requiredMissing)
}

// aggregate applies the bundle status rules in precedence order.
func (c *Collector) aggregate(bundle Bundle, p plan.RunPlan, requiredMissing bool) (Bundle, error) {
	anyConflict := false
	anyFail := false
	for _, g := range bundle.GateReceipts {
		switch g.Status {
		case GateConflict:
			anyConflict = true
		case GateFail:
			anyFail = true
		}
	}

	switch {
	case anyConflict:
		bundle.Status = BundleConflict
		bundle.Reason = ReasonEvidenceConflict
	case requiredMissing:
		deadline, err := p.EvidenceDeadline()
		if err != nil {
			return Bundle{}, err
		}
		if c.now().Before(deadline) {
			bundle.Status = BundleWaiting
		} else {
			bundle.Status = BundleFail
			bundle.Reason = ReasonEvidenceMissingDeadline
		}
	case anyFail:
		bundle.Status = BundleFail
		bundle.Reason = ReasonGateFail
	default:
		bundle.Status = BundleComplete
		hash, err := bundle.Hash(p.PolicyRevision)
		if err != nil {
			return Bundle{}, err
		}
		bundle.BundleHash = hash
	}
	return bundle, nil
}

// resolveLocator renders an output's path template and digests whatever it
// matches. Wildcard paths resolve against the store and require at least
// one match; a directory path digests the concatenation of its files in
// sorted-path order.
func (c *Collector) resolveLocator(ctx context.Context, spec catalog.OutputSpec, pins map[string]string) (Locator, error) {
	rendered, err := catalog.RenderTemplate(spec.PathTemplate, pins)
	if err != nil {
		return Locator{}, fmt.Errorf("output %s: %w", spec.ID, err)
	}

	outputPins, err := catalog.ScopeFor(spec.PartitionKeys, pins)
	if err != nil {
		return Locator{}, fmt.Errorf("output %s: %w", spec.ID, err)
	}

	loc := Locator{
		OutputID: spec.ID,
		Path:     rendered,
		Pins:     outputPins,
		Required: spec.Required,
	}

	var matched []string
	if catalog.HasWildcard(rendered) {
		matched, err = c.resolveWildcard(ctx, rendered)
		if err != nil {
			return Locator{}, fmt.Errorf("output %s: %w", spec.ID, err)
		}
	} else {
		exists, err := c.Store.Exists(ctx, rendered)
		if err != nil {
			return Locator{}, fmt.Errorf("output %s: %w", spec.ID, err)
		}
		if exists {
			matched = []string{rendered}
		} else {
			// Not a file; maybe a directory of files.
			matched, err = c.Store.ListFiles(ctx, rendered)
			if err != nil {
				return Locator{}, fmt.Errorf("output %s: %w", spec.ID, err)
			}
		}
	}

	if len(matched) == 0 {
		loc.Missing = true
		return loc, nil
	}

	sort.Strings(matched)
	var concat []byte
	for _, key := range matched {
		data, err := c.Store.Read(ctx, key)
		if err != nil {
			return Locator{}, fmt.Errorf("output %s: read %s: %w", spec.ID, key, err)
		}
		concat = append(concat, data...)
	}
	loc.Digest = canon.HashBytes(concat)
	return loc, nil
}

// resolveWildcard lists the store under the longest literal prefix of the
// pattern and keeps keys the pattern matches.
func (c *Collector) resolveWildcard(ctx context.Context, pattern string) ([]string, error) {
	cut := strings.IndexAny(pattern, "*?")
	prefix := pattern[:cut]
	if slash := strings.LastIndexByte(prefix, '/'); slash >= 0 {
		prefix = prefix[:slash]
	} else {
		prefix = ""
	}

	keys, err := c.Store.ListFiles(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, key := range keys {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("bad wildcard pattern %q: %w", pattern, err)
		}
		if ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// verifyGate runs one gate's verification protocol. Returns missing=true
// when a required artifact (flag, bundle root, or index) does not exist
// yet; missing is not a receipt.
func (c *Collector) verifyGate(ctx context.Context, spec catalog.GateSpec, pins map[string]string) (GateReceipt, bool, error) {
	scope, err := catalog.ScopeFor(spec.ScopeTokens, pins)
	if err != nil {
		return GateReceipt{}, false, fmt.Errorf("gate %s: %w", spec.ID, err)
	}

	bundleRoot, err := catalog.RenderTemplate(spec.BundleTemplate, pins)
	if err != nil {
		return GateReceipt{}, false, fmt.Errorf("gate %s: %w", spec.ID, err)
	}
	flagPath, err := catalog.RenderTemplate(spec.FlagTemplate, pins)
	if err != nil {
		return GateReceipt{}, false, fmt.Errorf("gate %s: %w", spec.ID, err)
	}
	var indexPath string
	if spec.IndexTemplate != "" {
		indexPath, err = catalog.RenderTemplate(spec.IndexTemplate, pins)
		if err != nil {
			return GateReceipt{}, false, fmt.Errorf("gate %s: %w", spec.ID, err)
		}
	}

	receipt := GateReceipt{
		GateID:     spec.ID,
		Scope:      scope,
		BundleRoot: bundleRoot,
		IndexPath:  indexPath,
		FlagPath:   flagPath,
	}

	m, flagMissing, flagConflict, err := readMarker(ctx, c.Store, flagPath)
	if err != nil {
		return GateReceipt{}, false, err
	}
	if flagMissing {
		return GateReceipt{}, true, nil
	}
	if flagConflict {
		receipt.Status = GateConflict
		receipt.Detail = "gate marker is not parseable"
		return receipt, false, nil
	}

	if !strings.EqualFold(m.Status, "passed") {
		receipt.Status = GateFail
		receipt.ClaimedDigest = m.Digest
		receipt.Detail = fmt.Sprintf("gate marker reports status %q", m.Status)
		return receipt, false, nil
	}
	receipt.ClaimedDigest = m.Digest

	verifier, err := ForMethod(spec.EffectiveMethod())
	if err != nil {
		return GateReceipt{}, false, fmt.Errorf("gate %s: %w", spec.ID, err)
	}
	v, err := verifier.Verify(ctx, c.Store, spec, bundleRoot, indexPath)
	if err != nil {
		return GateReceipt{}, false, fmt.Errorf("gate %s: %w", spec.ID, err)
	}

	switch {
	case v.Missing:
		slog.Debug("gate artifact missing", "gate_id", spec.ID, "path", v.MissingPath)
		return GateReceipt{}, true, nil
	case v.Conflict:
		receipt.Status = GateConflict
		receipt.Detail = v.Detail
	case v.Digest != m.Digest:
		// Evidence contradicts a claimed pass.
		receipt.Status = GateConflict
		receipt.Digest = v.Digest
		receipt.Detail = "recomputed digest disagrees with gate marker"
	default:
		receipt.Status = GatePass
		receipt.Digest = v.Digest
	}
	return receipt, false, nil
}

// ensureInstanceReceipt computes and idempotently persists the instance
// proof for a located, partition-scoped output.
func (c *Collector) ensureInstanceReceipt(ctx context.Context, spec catalog.OutputSpec, loc Locator, pins map[string]string) (InstanceReceipt, error) {
	scope, err := catalog.ScopeFor(spec.PartitionKeys, pins)
	if err != nil {
		return InstanceReceipt{}, fmt.Errorf("output %s: %w", spec.ID, err)
	}
	receipt := InstanceReceipt{
		OutputID:     spec.ID,
		Scope:        scope,
		Digest:       loc.Digest,
		Path:         loc.Path,
		CreatedAtUTC: c.now().UTC().Format(time.RFC3339),
	}
	key := ReceiptKey(c.ReceiptPrefix, spec.ID, scope)
	stored, err := ensureReceipt(ctx, c.Store, key, receipt)
	if err != nil {
		var de *ReceiptDriftError
		if errors.As(err, &de) {
			slog.Error("instance receipt drift", "output_id", spec.ID, "key", key)
		}
		return InstanceReceipt{}, err
	}
	return stored, nil
}
