// Package classify implements the ErrorClassifier (C1): a pure function
// mapping transport/provider failures into the closed taxonomy of spec.md
// §4.1. The HTTP status buckets are grounded on the teacher's
// retryableStatuses table in internal/proxy/proxy.go; the substring table
// follows the shape of sipeed-picoclaw's ClassifyError.
package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Kind is the closed taxonomy of spec.md §4.1.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientServer
	KindRateLimit
	KindAuthentication
	KindQuotaExhausted
	KindBadRequest
	KindContextLength
)

func (k Kind) String() string {
	switch k {
	case KindTransientServer:
		return "transient_server"
	case KindRateLimit:
		return "rate_limit"
	case KindAuthentication:
		return "authentication"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindBadRequest:
		return "bad_request"
	case KindContextLength:
		return "context_length"
	default:
		return "unknown"
	}
}

// Fatal reports whether the kind must be surfaced to the caller rather than
// retried or rotated (spec.md §7).
func (k Kind) Fatal() bool {
	return k == KindBadRequest || k == KindContextLength
}

// CredentialSpecific reports whether the kind indicates the key itself is
// the problem, as opposed to the backend being transiently unavailable.
func (k Kind) CredentialSpecific() bool {
	return k == KindRateLimit || k == KindAuthentication || k == KindQuotaExhausted
}

// quotaSubstrings/authSubstrings/contextSubstrings are checked against the
// lower-cased provider error body. Absence of any match and no recognized
// status code implies KindUnknown, per spec.md §4.1.
var (
	quotaSubstrings = []string{
		"quota exceeded", "monthly limit", "billing hard limit",
		"exceeded your current quota", "insufficient_quota",
	}
	authSubstrings = []string{
		"invalid api key", "invalid_api_key", "incorrect api key",
		"unauthorized", "permission denied", "invalid x-api-key",
	}
	contextSubstrings = []string{
		"context_length_exceeded", "maximum context length",
		"input is too long", "prompt is too long",
	}
	rateLimitSubstrings = []string{
		"rate limit", "rate_limit_exceeded", "too many requests",
		"overloaded",
	}
)

// Classify maps a call outcome into a Kind. status is the HTTP status code
// if one is available (0 if the failure never reached the transport layer).
// body is the response/error body, lower-cased here and used for substring matching
// when the status code alone is ambiguous (e.g. 400 covers both bad_request
// and context_length).
func Classify(err error, status int, body string) Kind {
	body = strings.ToLower(body)

	if err != nil {
		if isTimeoutOrReset(err) {
			return KindTransientServer
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return KindTransientServer
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status >= 500 && status < 600:
		return KindTransientServer
	case status == http.StatusBadRequest:
		if containsAny(body, contextSubstrings) {
			return KindContextLength
		}
		return KindBadRequest
	case status == http.StatusNotFound:
		return KindBadRequest
	}

	switch {
	case containsAny(body, contextSubstrings):
		return KindContextLength
	case containsAny(body, authSubstrings):
		return KindAuthentication
	case containsAny(body, quotaSubstrings):
		return KindQuotaExhausted
	case containsAny(body, rateLimitSubstrings):
		return KindRateLimit
	}

	if err != nil {
		return KindUnknown
	}
	if status != 0 {
		return KindUnknown
	}
	return KindUnknown
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func isTimeoutOrReset(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "broken pipe")
}
