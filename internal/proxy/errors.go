package proxy

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/vnmchuo/inference-router/internal/provider"
)

var (
	// ErrNoProviders is a configuration error: nothing is enabled.
	ErrNoProviders = errors.New("no enabled providers configured")

	ErrWindowExhausted = provider.ErrWindowExhausted
	ErrCircuitOpen     = errors.New("circuit breaker open")
)

// Attempt is one candidate's outcome within a request.
type Attempt struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
	Skipped  bool   `json:"skipped"`
	Message  string `json:"message"`
	Err      error  `json:"-"`
}

// ExhaustedError is returned when every candidate was skipped or failed.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) cause() error {
	var err error
	for _, a := range e.Attempts {
		err = multierr.Append(err, fmt.Errorf("%s: %w", a.Provider, a.Err))
	}
	return err
}

func (e *ExhaustedError) Error() string {
	cause := e.cause()
	if cause == nil {
		return "all providers failed"
	}
	return "all providers failed: " + cause.Error()
}

func (e *ExhaustedError) Unwrap() []error {
	return multierr.Errors(e.cause())
}
