package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var ErrNoJSON = errors.New("no JSON object in completion")

// StripFences removes a leading ``` fence with its optional language tag,
// and a trailing ``` fence. Text without a leading fence is returned
// trimmed.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := strings.TrimPrefix(trimmed, "```")
	body = strings.TrimLeftFunc(body, isTagRune)
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

// isTagRune matches fence language tags such as json, JSON or jsonc.
func isTagRune(r rune) bool {
	return r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '+')
}

// ExtractJSON returns the single JSON object carried by a completion. Fences
// are stripped first; if prose still surrounds the object, the first
// balanced {...} is taken.
func ExtractJSON(s string) (string, error) {
	body := StripFences(s)
	if strings.HasPrefix(body, "{") && json.Valid([]byte(body)) {
		return body, nil
	}
	if obj := firstObject(body); obj != "" {
		return obj, nil
	}
	if obj := firstObject(s); obj != "" {
		return obj, nil
	}
	return "", ErrNoJSON
}

// DecodeJSON extracts and decodes the completion's JSON object into v.
func DecodeJSON(s string, v any) error {
	obj, err := ExtractJSON(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	return nil
}

func firstObject(s string) string {
	start := strings.Index(s, "{")
	for start != -1 {
		depth := 0
		inString, escaped := false, false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate
					}
					i = len(s)
				}
			}
		}
		next := strings.Index(s[start+1:], "{")
		if next == -1 {
			return ""
		}
		start += next + 1
	}
	return ""
}
