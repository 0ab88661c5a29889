package tools

import (
	"errors"
	"strings"
)

// ExtractJSON returns the first balanced JSON object or array in s, unwrapping a
// leading markdown code fence when present. Brackets inside strings are ignored.
func ExtractJSON(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "\uFEFF")
	if inner, ok := unfence(s); ok {
		s = strings.TrimSpace(inner)
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		if out, ok := balancedFrom(s, i); ok {
			return out, nil
		}
	}
	return "", errors.New("no balanced JSON object/array found")
}

func unfence(s string) (string, bool) {
	for _, fence := range []string{"```", "~~~"} {
		if !strings.HasPrefix(s, fence) {
			continue
		}
		rest := s[len(fence):]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return "", false
		}
		rest = rest[nl+1:]
		if end := strings.Index(rest, fence); end >= 0 {
			return rest[:end], true
		}
	}
	return "", false
}

func balancedFrom(s string, start int) (string, bool) {
	var (
		stack    []byte
		inString bool
		escape   bool
	)
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			top := stack[len(stack)-1]
			if (top == '{' && c != '}') || (top == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
