package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveMarkers match attribute keys whose values never reach the log.
var sensitiveMarkers = []string{"secret", "password", "authorization", "bearer", "api_key", "private_key"}

// Sensitive reports whether values logged under key must be masked.
func Sensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, marker := range sensitiveMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

// MaskField returns key with its value replaced when the key is sensitive.
// Empty values stay empty so a missing secret remains visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !Sensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskDSN hides the password of a URL-form database DSN. File paths and
// key=value DSNs without a password are returned unchanged.
func MaskDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err == nil && parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), RedactedValue)
			return parsed.String()
		}
		return dsn
	}
	if strings.Contains(strings.ToLower(dsn), "password=") {
		fields := strings.Fields(dsn)
		for i, field := range fields {
			if strings.HasPrefix(strings.ToLower(field), "password=") {
				fields[i] = "password=" + RedactedValue
			}
		}
		return strings.Join(fields, " ")
	}
	return dsn
}

// redactAttr masks string attributes with sensitive keys. It runs inside
// the handler so call sites that forget MaskField stay covered.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || !Sensitive(attr.Key) {
		return attr
	}
	if attr.Value.String() == "" || attr.Value.String() == RedactedValue {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
