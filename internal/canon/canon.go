// Package canon implements RFC 8785 canonical JSON serialization and
// domain-separated content hashing.
//
// Every content-addressed identity in simrun (intent fingerprints, run ids,
// plan hashes, bundle hashes, record event ids) is computed over bytes
// produced here. Nothing else in the module may serialize for hashing.
package canon

import (
	"fmt"
	"sort"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Marshal produces RFC 8785 canonical JSON for hashing.
//
// Rules enforced:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. No floats (returns error)
//  5. No nulls (returns error)
//
// Supported input types: string, int, int64, bool, []any, map[string]any,
// []string, map[string]string. Anything else is an error, not a silent
// best-effort encoding.
func Marshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		return marshalString(val), nil
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return marshalArray(arr)
	case []any:
		return marshalArray(val)
	case map[string]string:
		obj := make(map[string]any, len(val))
		for k, s := range val {
			obj[k] = s
		}
		return marshalObject(obj)
	case map[string]any:
		return marshalObject(val)
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func marshalArray(arr []any) ([]byte, error) {
	out := []byte{'['}
	for i, elem := range arr {
		if i > 0 {
			out = append(out, ',')
		}
		b, err := Marshal(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		out = append(out, b...)
	}
	return append(out, ']'), nil
}

func marshalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sortKeysUTF16(keys)

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, marshalString(k)...)
		out = append(out, ':')
		b, err := Marshal(obj[k])
		if err != nil {
			return nil, fmt.Errorf("object[%q]: %w", k, err)
		}
		out = append(out, b...)
	}
	return append(out, '}'), nil
}

// sortKeysUTF16 sorts object keys by UTF-16 code units per RFC 8785.
// For pure-ASCII keys this is identical to byte order, but supplementary
// plane characters sort differently than UTF-8 byte comparison.
func sortKeysUTF16(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

const hexDigits = "0123456789abcdef"

// marshalString produces a canonical JSON string with NFC normalization.
//
// RFC 8785 escaping: only the two-character escapes \" \\ \b \t \n \f \r
// and \u00xx for remaining control characters. No HTML escaping, and
// U+2028/U+2029 pass through literally.
func marshalString(s string) []byte {
	normalized := norm.NFC.String(s)

	out := make([]byte, 0, len(normalized)+2)
	out = append(out, '"')
	for _, r := range normalized {
		switch r {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		case '\b':
			out = append(out, '\\', 'b')
		case '\t':
			out = append(out, '\\', 't')
		case '\n':
			out = append(out, '\\', 'n')
		case '\f':
			out = append(out, '\\', 'f')
		case '\r':
			out = append(out, '\\', 'r')
		default:
			if r < 0x20 {
				out = append(out, '\\', 'u', '0', '0', hexDigits[(r>>4)&0xf], hexDigits[r&0xf])
			} else {
				out = append(out, string(r)...)
			}
		}
	}
	return append(out, '"')
}

// MustMarshal is like Marshal but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
