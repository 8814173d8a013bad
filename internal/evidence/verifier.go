package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/roach88/simrun/internal/canon"
	"github.com/roach88/simrun/internal/catalog"
	"github.com/roach88/simrun/internal/objstore"
)

// Verification is the outcome of recomputing one gate digest.
//
// Exactly one of the three shapes holds: Missing (a required artifact does
// not exist yet), Conflict (the gate's artifacts resolve but cannot be
// verified honestly), or a recomputed Digest.
type Verification struct {
	Missing     bool
	MissingPath string
	Conflict    bool
	Detail      string
	Digest      string
}

// Verifier recomputes a gate digest by one declared method. One
// implementation per method identifier; dispatch is by registry lookup,
// never a string-keyed branch inside verification logic.
type Verifier interface {
	Method() string
	Verify(ctx context.Context, store objstore.Store, gate catalog.GateSpec, bundleRoot, indexPath string) (Verification, error)
}

var verifiers = map[string]Verifier{
	catalog.MethodBundleDigest:       bundleDigestVerifier{},
	catalog.MethodMemberDigestConcat: memberDigestConcatVerifier{},
	catalog.MethodIndexRawBytes:      indexRawBytesVerifier{},
}

// ForMethod returns the verifier registered for a method identifier.
func ForMethod(method string) (Verifier, error) {
	v, ok := verifiers[method]
	if !ok {
		return nil, fmt.Errorf("no verifier registered for method %q", method)
	}
	return v, nil
}

// marker is the gate's "passed" flag document.
type marker struct {
	Status string `json:"status"`
	Digest string `json:"digest"`
}

// readMarker loads and parses a gate's flag document.
// A missing flag means the gate is not yet available. A flag that cannot
// be parsed is a conflict: a claim exists but cannot be checked.
func readMarker(ctx context.Context, store objstore.Store, flagPath string) (m marker, missing, conflict bool, err error) {
	raw, err := store.Read(ctx, flagPath)
	if errors.Is(err, objstore.ErrNotFound) {
		return marker{}, true, false, nil
	}
	if err != nil {
		return marker{}, false, false, fmt.Errorf("read gate flag %s: %w", flagPath, err)
	}
	if err := json.Unmarshal(raw, &m); err != nil || m.Status == "" {
		return marker{}, false, true, nil
	}
	return m, false, false, nil
}

// indexDocument is the shared shape of a gate's member index.
type indexDocument struct {
	Members []map[string]any `json:"members"`
}

func readIndex(ctx context.Context, store objstore.Store, indexPath string) (indexDocument, Verification, bool) {
	raw, err := store.Read(ctx, indexPath)
	if errors.Is(err, objstore.ErrNotFound) {
		return indexDocument{}, Verification{Missing: true, MissingPath: indexPath}, false
	}
	if err != nil {
		return indexDocument{}, Verification{Conflict: true, Detail: fmt.Sprintf("read index %s: %v", indexPath, err)}, false
	}
	var doc indexDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return indexDocument{}, Verification{Conflict: true, Detail: fmt.Sprintf("index %s is not parseable", indexPath)}, false
	}
	return doc, Verification{}, true
}

// excluded reports whether a relative path's final element is on the
// gate's filename exclusion list.
func excluded(relPath string, exclusions []string) bool {
	base := path.Base(relPath)
	for _, name := range exclusions {
		if base == name {
			return true
		}
	}
	return false
}

// memberDigestConcatVerifier implements sha256_member_digest_concat:
// concatenate the declared digest field of every index member in file
// order and hash the concatenation.
type memberDigestConcatVerifier struct{}

func (memberDigestConcatVerifier) Method() string { return catalog.MethodMemberDigestConcat }

func (memberDigestConcatVerifier) Verify(ctx context.Context, store objstore.Store, gate catalog.GateSpec, bundleRoot, indexPath string) (Verification, error) {
	doc, v, ok := readIndex(ctx, store, indexPath)
	if !ok {
		return v, nil
	}
	field := gate.DigestField
	if field == "" {
		field = "sha256"
	}

	var concat strings.Builder
	for i, member := range doc.Members {
		raw, present := member[field]
		digest, isString := raw.(string)
		if !present || !isString || digest == "" {
			// A listed member whose digest field is absent is an
			// unverifiable claim, same class as a digest mismatch.
			return Verification{
				Conflict: true,
				Detail:   fmt.Sprintf("index member %d lacks digest field %q", i, field),
			}, nil
		}
		concat.WriteString(digest)
	}
	return Verification{Digest: canon.HashBytes([]byte(concat.String()))}, nil
}

// indexRawBytesVerifier implements sha256_index_json_ascii_lex_raw_bytes:
// sort the index's member paths ASCII-lexicographically (minus declared
// exclusions), then hash the concatenated raw bytes of each referenced
// file in that order.
type indexRawBytesVerifier struct{}

func (indexRawBytesVerifier) Method() string { return catalog.MethodIndexRawBytes }

func (indexRawBytesVerifier) Verify(ctx context.Context, store objstore.Store, gate catalog.GateSpec, bundleRoot, indexPath string) (Verification, error) {
	doc, v, ok := readIndex(ctx, store, indexPath)
	if !ok {
		return v, nil
	}

	paths := make([]string, 0, len(doc.Members))
	for i, member := range doc.Members {
		raw, present := member["path"]
		rel, isString := raw.(string)
		if !present || !isString || rel == "" {
			return Verification{
				Conflict: true,
				Detail:   fmt.Sprintf("index member %d lacks a path", i),
			}, nil
		}
		if excluded(rel, gate.Exclude) {
			continue
		}
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	var concat []byte
	for _, rel := range paths {
		key := path.Join(bundleRoot, rel)
		data, err := store.Read(ctx, key)
		if errors.Is(err, objstore.ErrNotFound) {
			return Verification{Missing: true, MissingPath: key}, nil
		}
		if err != nil {
			return Verification{}, fmt.Errorf("read gate member %s: %w", key, err)
		}
		concat = append(concat, data...)
	}
	return Verification{Digest: canon.HashBytes(concat)}, nil
}

// bundleDigestVerifier implements the default sha256_bundle_digest: hash
// the raw bytes of every file under the gate's bundle root in ASCII-
// lexicographic relative-path order, minus declared exclusions.
type bundleDigestVerifier struct{}

func (bundleDigestVerifier) Method() string { return catalog.MethodBundleDigest }

func (bundleDigestVerifier) Verify(ctx context.Context, store objstore.Store, gate catalog.GateSpec, bundleRoot, indexPath string) (Verification, error) {
	keys, err := store.ListFiles(ctx, bundleRoot)
	if err != nil {
		return Verification{}, fmt.Errorf("list gate bundle %s: %w", bundleRoot, err)
	}
	if len(keys) == 0 {
		return Verification{Missing: true, MissingPath: bundleRoot}, nil
	}

	// ListFiles returns sorted full keys; under a common root that is the
	// same order as ASCII-lexicographic relative paths.
	var concat []byte
	for _, key := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(key, bundleRoot), "/")
		if excluded(rel, gate.Exclude) {
			continue
		}
		data, err := store.Read(ctx, key)
		if err != nil {
			return Verification{}, fmt.Errorf("read gate bundle file %s: %w", key, err)
		}
		concat = append(concat, data...)
	}
	return Verification{Digest: canon.HashBytes(concat)}, nil
}
