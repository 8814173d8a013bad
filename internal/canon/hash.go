package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashWithDomain computes a SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data), hex encoded.
// The null byte separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashCanonical canonically marshals v and hashes it under the given domain.
func HashCanonical(domain string, v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return HashWithDomain(domain, b), nil
}

// HashBytes computes a plain SHA-256 over raw bytes, hex encoded.
// Used for artifact content digests where the input is already a byte
// stream with a defined order.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
