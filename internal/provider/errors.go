package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies upstream failures for the router's fallback decisions.
type ErrorKind string

const (
	Authentication ErrorKind = "authentication"
	RateLimited    ErrorKind = "rate_limited"
	ServerError    ErrorKind = "server_error"
	Validation     ErrorKind = "validation"
	Unknown        ErrorKind = "unknown"
)

// ErrInvalidRequest marks requests that no provider could serve as written.
var ErrInvalidRequest = errors.New("invalid request")

// ErrWindowExhausted marks calls refused because the provider's request or
// token budget for the current window is spent.
var ErrWindowExhausted = errors.New("rate limit window exhausted")

type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(providerID string, kind ErrorKind, message string, cause error) *Error {
	return &Error{Provider: providerID, Kind: kind, Message: message, Cause: cause}
}

// FromStatus maps a non-success HTTP status and its body to a typed error.
func FromStatus(providerID string, status int, body []byte) *Error {
	kind := Unknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = Authentication
	case status == http.StatusTooManyRequests:
		kind = RateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		kind = ServerError
	case status >= 400:
		kind = Validation
	}
	return &Error{
		Provider:   providerID,
		Kind:       kind,
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
	}
}

// ReadError drains at most 64KiB of a failed response into a typed error.
func ReadError(providerID string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return FromStatus(providerID, resp.StatusCode, body)
}

// KindOf returns the taxonomy kind of err. Deadline and network errors are
// server errors; anything unrecognised is unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, ErrInvalidRequest) {
		return Validation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ServerError
	}
	return Unknown
}

// IsRetryable reports whether the failure is transient for the same provider.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case RateLimited, ServerError:
		return true
	default:
		return false
	}
}
