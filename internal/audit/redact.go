package audit

import "strings"

// RedactionMarker replaces sensitive values in persisted snapshots.
const RedactionMarker = "[REDACTED]"

// sensitiveKeys matches field names case-insensitively and by substring, so
// "apiKey", "PASSWORD" and "refresh_token" are all caught.
var sensitiveKeys = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"key",
	"signature",
	"credential",
	"authorization",
	"pin",
	"seed",
	"mnemonic",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Redact walks a decoded JSON structure and replaces the value of every
// sensitive field with the redaction marker, recursing into nested objects
// and arrays. The input is not modified.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = RedactionMarker
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}
