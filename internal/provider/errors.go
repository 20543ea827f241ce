package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies a provider failure. Only the kind crosses package
// boundaries; callers branch on it rather than on raw provider text.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindQuota          Kind = "quota_exceeded"
	KindRateLimit      Kind = "rate_limited"
	KindServer         Kind = "server_error"
	KindNetwork        Kind = "network_error"
	KindMalformed      Kind = "malformed_response"
	KindInvalidRequest Kind = "invalid_request"
	KindNotFound       Kind = "not_found"
	// KindUnavailable is returned once retryable failures exhaust the retry budget.
	KindUnavailable Kind = "unavailable"
)

// Retryable reports whether a failure of this kind may succeed when repeated.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServer, KindNetwork:
		return true
	default:
		return false
	}
}

// ErrRetriesExhausted matches (via errors.Is) any KindUnavailable error.
var ErrRetriesExhausted = errors.New("provider: retries exhausted")

// Error is the failure half of every client call.
type Error struct {
	Kind       Kind
	Status     int
	Code       string
	Type       string
	Message    string
	RetryAfter time.Duration
	Attempts   int
	// Last is the kind of the final underlying failure when Kind is KindUnavailable.
	Last Kind
	// Timeout marks client-side timeouts: the remote outcome is unknown.
	Timeout bool
	// Body holds the raw provider response for diagnostics.
	Body []byte
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("provider ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrRetriesExhausted && e.Kind == KindUnavailable
}

// KindOf extracts the Kind of err, or "" when err is not a provider error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// AsError returns the provider error wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

var quotaCodes = map[string]struct{}{
	"insufficient_quota":          {},
	"billing_hard_limit_reached":  {},
	"billing_not_active":          {},
	"quota_exceeded":              {},
	"account_deactivated_billing": {},
}

// classify maps a non-2xx response to an Error.
func classify(status int, header http.Header, body []byte, now time.Time) *Error {
	e := &Error{Status: status, Body: body}

	var envelope openai.ErrorResponse
	if len(body) > 0 && json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		e.Message = envelope.Error.Message
		e.Type = envelope.Error.Type
		switch code := envelope.Error.Code.(type) {
		case nil:
		case string:
			e.Code = code
		case int:
			if code != 0 {
				e.Code = fmt.Sprint(code)
			}
		default:
			e.Code = fmt.Sprint(code)
		}
	}
	if e.Message == "" {
		e.Message = snippet(body)
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	_, quotaCode := quotaCodes[e.Code]
	_, quotaType := quotaCodes[e.Type]
	switch {
	case quotaCode || quotaType || status == http.StatusPaymentRequired:
		e.Kind = KindQuota
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthentication
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = retryHint(header, now)
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status >= 500:
		e.Kind = KindServer
		e.RetryAfter = retryAfter(header, now)
	default:
		e.Kind = KindInvalidRequest
	}
	return e
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
