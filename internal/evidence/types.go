// Package evidence locates engine outputs, verifies upstream hashgates,
// issues idempotent instance receipts, and assembles a deterministically-
// hashed evidence bundle for one run attempt.
package evidence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/simrun/internal/canon"
)

// DomainBundle versions the bundle hash computation.
const DomainBundle = "simrun/bundle/v1"

// GateStatus classifies a verified gate.
type GateStatus string

const (
	GatePass GateStatus = "PASS"
	GateFail GateStatus = "FAIL"
	// GateConflict means recomputed evidence contradicts a claimed pass:
	// digest mismatch, unparseable marker, or an unverifiable claim.
	GateConflict GateStatus = "CONFLICT"
)

// BundleStatus classifies the aggregate evidence state.
type BundleStatus string

const (
	BundleComplete BundleStatus = "COMPLETE"
	BundleWaiting  BundleStatus = "WAITING"
	BundleFail     BundleStatus = "FAIL"
	BundleConflict BundleStatus = "CONFLICT"
)

// Aggregate failure reasons.
const (
	ReasonGateFail                = "GATE_FAIL"
	ReasonEvidenceMissingDeadline = "EVIDENCE_MISSING_DEADLINE"
	ReasonEvidenceConflict        = "EVIDENCE_CONFLICT"
)

// Locator is one resolved engine output: the concrete path, the partition
// pins used to render it, and a content digest over the located bytes.
// A required output with no match is recorded with Missing=true.
type Locator struct {
	OutputID string            `json:"output_id"`
	Path     string            `json:"path"`
	Pins     map[string]string `json:"pins,omitempty"`
	Digest   string            `json:"digest,omitempty"`
	Required bool              `json:"required"`
	Missing  bool              `json:"missing,omitempty"`
}

// GateReceipt is one verification attempt's outcome for a gate. A receipt
// is only ever attached after verification ran; "not yet available" is
// represented as a missing gate, not as a receipt.
type GateReceipt struct {
	GateID        string            `json:"gate_id"`
	Status        GateStatus        `json:"status"`
	Scope         map[string]string `json:"scope,omitempty"`
	Digest        string            `json:"digest,omitempty"`         // recomputed
	ClaimedDigest string            `json:"claimed_digest,omitempty"` // from the passed marker
	BundleRoot    string            `json:"bundle_root,omitempty"`
	IndexPath     string            `json:"index_path,omitempty"`
	FlagPath      string            `json:"flag_path,omitempty"`
	Detail        string            `json:"detail,omitempty"`
}

// InstanceReceipt is a per-(output, partition-scope) proof of existence,
// written at most once per key. CreatedAtUTC is volatile and excluded from
// drift comparison and hashing.
type InstanceReceipt struct {
	OutputID     string            `json:"output_id"`
	Scope        map[string]string `json:"scope"`
	Digest       string            `json:"digest"`
	Path         string            `json:"path"`
	CreatedAtUTC string            `json:"created_at_utc,omitempty"`
}

// normalized strips volatile fields for drift comparison and hashing.
func (r InstanceReceipt) normalized() map[string]any {
	return map[string]any{
		"output_id": r.OutputID,
		"scope":     r.Scope,
		"digest":    r.Digest,
		"path":      r.Path,
	}
}

// Bundle is the aggregate of locators, gate receipts, and instance
// receipts for one collection pass. BundleHash is set only when the status
// is COMPLETE.
type Bundle struct {
	Status           BundleStatus      `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	Locators         []Locator         `json:"locators"`
	GateReceipts     []GateReceipt     `json:"gate_receipts"`
	InstanceReceipts []InstanceReceipt `json:"instance_receipts"`
	MissingGates     []string          `json:"missing_gates,omitempty"`
	BundleHash       string            `json:"bundle_hash,omitempty"`
}

// ReceiptDriftError reports an instance receipt recomputed with different
// content for an existing key. Fatal for the run: it indicates a
// non-deterministic recomputation, never silently overwritten.
type ReceiptDriftError struct {
	Key string
}

func (e *ReceiptDriftError) Error() string {
	return fmt.Sprintf("INSTANCE_RECEIPT_DRIFT: receipt at %s disagrees with recomputation", e.Key)
}

// IsReceiptDrift reports whether err is an instance receipt drift.
func IsReceiptDrift(err error) bool {
	var de *ReceiptDriftError
	return errors.As(err, &de)
}

// Hash computes the bundle hash over the sorted locators, sorted gate
// receipts, sorted instance receipts, and the plan's policy revision.
// Sorting is by id, not submission order, so shuffled inputs hash equal.
func (b Bundle) Hash(policyRevision string) (string, error) {
	locs := append([]Locator(nil), b.Locators...)
	sort.Slice(locs, func(i, j int) bool { return locs[i].OutputID < locs[j].OutputID })
	locList := make([]any, len(locs))
	for i, l := range locs {
		locList[i] = map[string]any{
			"output_id": l.OutputID,
			"path":      l.Path,
			"pins":      l.Pins,
			"digest":    l.Digest,
			"required":  l.Required,
			"missing":   l.Missing,
		}
	}

	gates := append([]GateReceipt(nil), b.GateReceipts...)
	sort.Slice(gates, func(i, j int) bool { return gates[i].GateID < gates[j].GateID })
	gateList := make([]any, len(gates))
	for i, g := range gates {
		gateList[i] = map[string]any{
			"gate_id":        g.GateID,
			"status":         string(g.Status),
			"scope":          g.Scope,
			"digest":         g.Digest,
			"claimed_digest": g.ClaimedDigest,
			"bundle_root":    g.BundleRoot,
			"index_path":     g.IndexPath,
			"flag_path":      g.FlagPath,
		}
	}

	recs := append([]InstanceReceipt(nil), b.InstanceReceipts...)
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].OutputID != recs[j].OutputID {
			return recs[i].OutputID < recs[j].OutputID
		}
		return recs[i].Path < recs[j].Path
	})
	recList := make([]any, len(recs))
	for i, r := range recs {
		recList[i] = r.normalized()
	}

	payload := map[string]any{
		"locators":          locList,
		"gate_receipts":     gateList,
		"instance_receipts": recList,
		"policy_revision":   policyRevision,
	}
	return canon.HashCanonical(DomainBundle, payload)
}
