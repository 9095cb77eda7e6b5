package inference

import (
	"errors"
	"strings"
)

// extractJSON returns the first balanced JSON object or array in s. Models
// frequently wrap JSON in Markdown fences or prose; this unwraps fences and
// scans for a balanced {...} or [...], ignoring braces inside strings.
func extractJSON(s string) (string, error) {
	s = strings.TrimSpace(s)
	if inner, ok := stripCodeFence(s); ok {
		s = strings.TrimSpace(inner)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			if out, ok := balancedFrom(s, i); ok {
				return out, nil
			}
		}
	}
	return "", errors.New("no balanced JSON object or array found")
}

// stripCodeFence unwraps a leading ```-fenced block, tolerating a language
// tag after the opening fence.
func stripCodeFence(s string) (string, bool) {
	trim := strings.TrimLeft(s, "\n\r\t ")
	if !strings.HasPrefix(trim, "```") {
		return "", false
	}
	rest := trim[3:]
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return "", false
	}
	rest = rest[nl+1:]
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end], true
	}
	return "", false
}

// balancedFrom extracts the balanced JSON value starting at s[start], which
// must be '{' or '['.
func balancedFrom(s string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
