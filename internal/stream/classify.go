package stream

import (
	"regexp"
	"strings"
)

// classifyError maps a provider-surfaced error into the closed ErrorType
// taxonomy. Providers don't return a structured error code through
// provider.StreamEvent.Err — only free text — so this matches on the
// substrings each provider is known to produce. Anything unrecognized
// becomes ErrorUnknown with the original text preserved by the caller.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case (strings.Contains(msg, "api key") || strings.Contains(msg, "api_key")) && (strings.Contains(msg, "not found") || strings.Contains(msg, "missing") || strings.Contains(msg, "not set")):
		return ErrorAPIKeyNotFound
	case strings.Contains(msg, "invalid model") || strings.Contains(msg, "malformed model"):
		return ErrorInvalidModel
	case strings.Contains(msg, "model not found") || strings.Contains(msg, "no such model") || strings.Contains(msg, "unknown model"):
		return ErrorModelNotFound
	case strings.Contains(msg, "context") && !strings.Contains(msg, "context deadline") && (strings.Contains(msg, "too long") || strings.Contains(msg, "exceed") || strings.Contains(msg, "maximum context")):
		return ErrorContextExceeded
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return ErrorRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "502") || strings.Contains(msg, "temporarily unavailable"):
		return ErrorProviderTransient
	default:
		return ErrorUnknown
	}
}

// lostResponseIDPattern matches the phrasing a provider uses when the
// previous-response continuity id it was given no longer exists server-side
// (expired, evicted, or from a different conversation branch). A 5xx
// carrying the same phrase counts too — the id is still unusable either way.
var lostResponseIDPattern = regexp.MustCompile(`(?i)previous response with id '([^']+)' not found`)

// extractLostResponseID returns the response id a provider error says it can
// no longer find continuity state for, and true if one was found. The
// Manager records this so the next send omits it instead of repeating the
// same failure.
func extractLostResponseID(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	m := lostResponseIDPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return "", false
	}
	return m[1], true
}
