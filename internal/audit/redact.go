package audit

import "strings"

// RedactedPlaceholder replaces values stored under sensitive keys.
const RedactedPlaceholder = "[REDACTED]"

// sensitiveKeyMarkers flag argument keys whose values must never be
// retained. Matching is case-insensitive on key substrings.
var sensitiveKeyMarkers = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"credentials",
	"private_key",
	"privatekey",
	"authorization",
	"auth",
}

// Redact returns a deep copy of args with every value under a sensitive
// key replaced by the placeholder. Nested maps and slices are walked;
// the input is never mutated.
func Redact(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for key, value := range args {
		if sensitiveKey(key) {
			out[key] = RedactedPlaceholder
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return Redact(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
