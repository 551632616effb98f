package observability

import (
	"encoding/json"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretKeyFragments flags any JSON key containing one of these fragments,
// case-insensitively, so header-style variants ("X-Api-Key",
// "AUTHORIZATION", "refresh_token") are all caught by the same rule.
var secretKeyFragments = []string{
	"api_key", "apikey", "api-key",
	"authorization", "auth",
	"token", "password", "secret", "bearer", "credential",
}

// RedactJSON replaces the values of secret-looking keys anywhere in a JSON
// payload with a placeholder. Payloads that aren't valid JSON pass through
// untouched — better an unredacted log line than a dropped one, and the
// callers that log payloads only do so at debug level.
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	walkRedact(v)
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}

// walkRedact mutates v in place. Only map values can hold secrets under
// this scheme; bare strings inside arrays have no key to judge them by.
func walkRedact(v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, vv := range val {
			if isSecretKey(k) {
				val[k] = redactedPlaceholder
				continue
			}
			walkRedact(vv)
		}
	case []any:
		for _, vv := range val {
			walkRedact(vv)
		}
	}
}

func isSecretKey(k string) bool {
	low := strings.ToLower(k)
	for _, frag := range secretKeyFragments {
		if strings.Contains(low, frag) {
			return true
		}
	}
	return false
}
