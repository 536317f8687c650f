// Package usage records one row per completed upstream attempt.
package usage

import (
	"context"
	"time"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Record struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Outcome          string    `json:"outcome"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates records for one provider over a time range.
type Summary struct {
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	Failures     int64   `json:"failures"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

type Store interface {
	Log(ctx context.Context, rec *Record) error
	List(ctx context.Context, from, to time.Time) ([]*Record, error)
	Summarize(ctx context.Context, from, to time.Time) ([]Summary, error)
}
