package playbook

import (
	"net/url"
	"regexp"
	"strings"
)

// Field names that may carry credentials. Most markers match as
// substrings (AccessToken, x-authorization); "key" matches only as a
// standalone word so ssh_key and deploy_key redact while names that
// merely contain the letters, like monkey, do not.
var credentialKey = regexp.MustCompile(`(?i)(token|secret|passw|authorization|cookie|bearer|signature|credential|(^|[^a-z0-9])key(s)?([^a-z0-9]|$))`)

const redacted = "[REDACTED]"

// SanitizeOutput returns a deep copy of a step output safe to persist and
// to thread into later steps. Credential-named fields are redacted and
// URL query strings are stripped, since presigned URLs hide credentials
// there.
func SanitizeOutput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out, _ := sanitizeValue(in).(map[string]any)
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if credentialKey.MatchString(k) {
				out[k] = redacted
				continue
			}
			out[k] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner)
		}
		return out
	case string:
		return stripQuery(val)
	default:
		return val
	}
}

func stripQuery(s string) string {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	if u.RawQuery == "" && u.Fragment == "" {
		return s
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
