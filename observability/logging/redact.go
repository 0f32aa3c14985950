package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields.
const RedactedValue = "[REDACTED]"

// Keys that are safe to emit verbatim. Everything else passed through
// MaskField, notably bearer tokens and signature material, is masked.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"component": {},
	"method":    {},
	"path":      {},
	"asset":     {},
	"position":  {},
	"owner":     {},
}

// IsAllowlisted reports whether the key is exempt from masking.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr masking the value unless the key is
// allowlisted. Empty values pass through so logs stay quiet about absent
// fields.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
