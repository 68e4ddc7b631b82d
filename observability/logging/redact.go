package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys that are always safe to log verbatim.
var safeKeys = map[string]struct{}{
	"network":   {},
	"tx_hash":   {},
	"reference": {},
	"status":    {},
	"reason":    {},
	"error":     {},
}

// MaskField redacts value unless key is known to carry no secrets.
func MaskField(key, value string) slog.Attr {
	if _, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]; ok || strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskEndpoint logs only the scheme and host of an RPC or webhook URL. Providers
// embed API keys in the path, query or userinfo, so those are dropped.
func MaskEndpoint(key, raw string) slog.Attr {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return MaskField(key, raw)
	}
	masked := u.Scheme + "://" + u.Host
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		masked += "/" + RedactedValue
	}
	return slog.String(key, masked)
}
