package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder emitted in place of sensitive fields:
// database DSNs, signing secrets, and encrypted delivery payloads.
const RedactedValue = "[REDACTED]"

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through so absent optional config stays visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr whose value is masked when present.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
