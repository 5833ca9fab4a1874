package server

import (
	"net/http"
	"strings"
)

// sensitiveHeaders are never forwarded over the tunnel in the clear.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
	"x-auth-token":  {},
	"api-key":       {},
	"secret":        {},
	"token":         {},
}

const redactedValue = "***REDACTED***"

// RedactHeaders lowercases header names and replaces sensitive values with a
// placeholder. Multi-valued headers keep their first value, matching what
// the tunnel envelope can carry.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		key := strings.ToLower(name)
		if _, sensitive := sensitiveHeaders[key]; sensitive {
			out[key] = redactedValue
		} else {
			out[key] = values[0]
		}
	}
	return out
}
