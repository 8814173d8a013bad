package catalog

import (
	"fmt"
	"strings"
)

// UnresolvedTokenError reports a template token with no value in scope.
// Rendering fails closed: a missing token is an explicit error, never
// literal placeholder text left in a path and later treated as "not found".
type UnresolvedTokenError struct {
	Template string
	Token    string
}

func (e *UnresolvedTokenError) Error() string {
	return fmt.Sprintf("unresolved token {%s} in template %q", e.Token, e.Template)
}

// RenderTemplate substitutes {token} references in a path template from the
// scope map. Tokens must be non-empty and present in scope with a non-empty
// value. Wildcard segments ("*") pass through untouched; callers resolve
// them against the store.
func RenderTemplate(template string, scope map[string]string) (string, error) {
	var out strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:open])
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return "", fmt.Errorf("unterminated token in template %q", template)
		}
		token := rest[open+1 : open+closing]
		if token == "" {
			return "", fmt.Errorf("empty token in template %q", template)
		}
		val, ok := scope[token]
		if !ok || val == "" {
			return "", &UnresolvedTokenError{Template: template, Token: token}
		}
		out.WriteString(val)
		rest = rest[open+closing+1:]
	}
	return out.String(), nil
}

// HasWildcard reports whether a rendered path contains a wildcard segment.
func HasWildcard(path string) bool {
	return strings.ContainsAny(path, "*?")
}

// ScopeFor narrows the full pin set to the declared tokens, in a fresh map.
// Returns an error if a declared token has no pin value; gate scopes and
// output partitions must be fully renderable before any store I/O happens.
func ScopeFor(tokens []string, pins map[string]string) (map[string]string, error) {
	scope := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		val, ok := pins[tok]
		if !ok || val == "" {
			return nil, fmt.Errorf("no pin value for scope token %q", tok)
		}
		scope[tok] = val
	}
	return scope, nil
}
