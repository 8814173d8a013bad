package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/simrun/internal/canon"
	"github.com/roach88/simrun/internal/objstore"
)

// ReceiptKey renders the store key for an instance receipt:
// instance_receipts/output_id={id}/{k=v/...}/instance_receipt.json
// with scope segments in sorted key order so the key is deterministic.
func ReceiptKey(prefix, outputID string, scope map[string]string) string {
	keys := make([]string, 0, len(scope))
	for k := range scope {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{strings.TrimSuffix(prefix, "/"), "instance_receipts", "output_id=" + outputID}
	for _, k := range keys {
		parts = append(parts, k+"="+scope[k])
	}
	parts = append(parts, "instance_receipt.json")
	return strings.Join(parts, "/")
}

// ensureReceipt writes an instance receipt with create-if-absent
// semantics. If a receipt already exists at the key, its normalized
// content must equal the freshly computed one or the run has drifted.
func ensureReceipt(ctx context.Context, store objstore.Store, key string, receipt InstanceReceipt) (InstanceReceipt, error) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return InstanceReceipt{}, fmt.Errorf("marshal instance receipt: %w", err)
	}

	err = store.WriteIfAbsent(ctx, key, data)
	if err == nil {
		return receipt, nil
	}
	if !errors.Is(err, objstore.ErrExists) {
		return InstanceReceipt{}, fmt.Errorf("write instance receipt %s: %w", key, err)
	}

	existingRaw, err := store.Read(ctx, key)
	if err != nil {
		return InstanceReceipt{}, fmt.Errorf("read existing instance receipt %s: %w", key, err)
	}
	var existing InstanceReceipt
	if err := json.Unmarshal(existingRaw, &existing); err != nil {
		return InstanceReceipt{}, &ReceiptDriftError{Key: key}
	}

	freshCanon, err := canon.Marshal(receipt.normalized())
	if err != nil {
		return InstanceReceipt{}, fmt.Errorf("canonicalize instance receipt: %w", err)
	}
	existingCanon, err := canon.Marshal(existing.normalized())
	if err != nil {
		return InstanceReceipt{}, &ReceiptDriftError{Key: key}
	}
	if string(freshCanon) != string(existingCanon) {
		return InstanceReceipt{}, &ReceiptDriftError{Key: key}
	}
	return existing, nil
}
