package sink

import "strings"

// secretKeySubstrings mark a payload field as secret-shaped if its key
// contains any of these (case-insensitive). Adapted from the teacher's
// Kubernetes-Secret redaction concept, generalized to arbitrary JSON payload
// maps instead of a Secret object's data/stringData fields.
var secretKeySubstrings = []string{
	"secret", "password", "api_key", "apikey", "token", "signature", "authorization", "bearer",
}

// Redact returns a shallow copy of payload with secret-shaped values replaced
// by a fixed placeholder, so the Sink never writes credentials to a log line
// or an external collector.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isSecretKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range secretKeySubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
