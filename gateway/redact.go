package gateway

import (
	"strings"

	"github.com/google/uuid"
)

const (
	defaultMaxPayloadBytes = 16 * 1024

	// Bounds on recursive redaction so adversarial payloads cannot blow up
	// the audit path.
	maxRedactDepth   = 8
	maxRedactBreadth = 64

	redactedMarker  = "[redacted]"
	truncatedMarker = "[truncated]"
)

// Keys whose values are always removed from audited and confirmed payloads.
var secretKeys = map[string]bool{
	"apikey":   true,
	"token":    true,
	"password": true,
	"secret":   true,
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(k, "_", ""), "-", ""))
}

func isSecretKey(k string, extra map[string]bool) bool {
	n := normalizeKey(k)
	if secretKeys[n] || extra[n] {
		return true
	}
	// Compound keys like "api_key_prod" or "authToken" still leak secrets.
	for s := range secretKeys {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of args with secret values replaced. The input is
// never mutated.
func Redact(args map[string]any, extra map[string]bool) map[string]any {
	v := redactValue(args, extra, 0)
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func redactValue(v any, extra map[string]bool, depth int) any {
	if depth >= maxRedactDepth {
		return truncatedMarker
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		n := 0
		for k, inner := range val {
			if n >= maxRedactBreadth {
				out["..."] = truncatedMarker
				break
			}
			if isSecretKey(k, extra) {
				out[k] = redactedMarker
			} else {
				out[k] = redactValue(inner, extra, depth+1)
			}
			n++
		}
		return out
	case []any:
		limit := len(val)
		truncated := false
		if limit > maxRedactBreadth {
			limit = maxRedactBreadth
			truncated = true
		}
		out := make([]any, 0, limit+1)
		for _, inner := range val[:limit] {
			out = append(out, redactValue(inner, extra, depth+1))
		}
		if truncated {
			out = append(out, truncatedMarker)
		}
		return out
	default:
		return v
	}
}

func newCallID() string {
	return "call_" + uuid.NewString()
}
