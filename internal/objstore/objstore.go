// Package objstore defines the minimal artifact store contract the
// orchestrator writes through, with filesystem and in-memory backends.
//
// Keys are slash-separated relative paths. The two write primitives carry
// the concurrency model: WriteIfAbsent is the only create-if-absent
// operation (optimistic concurrency control), and Write is an unconditional
// whole-document replacement used only for snapshots owned exclusively by
// one leaseholder.
package objstore

import (
	"context"
	"errors"
)

// ErrExists is returned by WriteIfAbsent when the key is already present.
var ErrExists = errors.New("objstore: key already exists")

// ErrNotFound is returned by Read when the key is absent.
var ErrNotFound = errors.New("objstore: key not found")

// Store is the artifact store contract. Implementations must make
// WriteIfAbsent atomic per key: exactly one of two concurrent callers wins.
type Store interface {
	// WriteIfAbsent creates the key with the given bytes, or returns
	// ErrExists without modifying anything.
	WriteIfAbsent(ctx context.Context, key string, data []byte) error

	// Write replaces the key's content unconditionally. Readers must never
	// observe a partial document.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the key's content, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// ListFiles returns all keys under the prefix, sorted ascending.
	ListFiles(ctx context.Context, prefix string) ([]string, error)

	// AppendLines appends newline-terminated lines to the key, creating it
	// if absent.
	AppendLines(ctx context.Context, key string, lines []string) error
}
