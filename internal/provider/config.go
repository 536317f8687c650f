package provider

import (
	"fmt"
	"time"
)

const DefaultTimeout = 60 * time.Second

// Config is the runtime configuration of one adapter. RequestsPerMinute and
// TokensPerMinute of zero mean unlimited.
type Config struct {
	ID                string        `json:"id" validate:"required"`
	Kind              Kind          `json:"kind" validate:"required"`
	APIKey            string        `json:"-"`
	BaseURL           string        `json:"base_url,omitempty" validate:"omitempty,url"`
	Organization      string        `json:"organization,omitempty"`
	DefaultModel      string        `json:"default_model,omitempty"`
	Enabled           bool          `json:"enabled"`
	Priority          int           `json:"priority" validate:"gte=1"`
	RequestsPerMinute int           `json:"requests_per_minute" validate:"gte=0"`
	TokensPerMinute   int           `json:"tokens_per_minute" validate:"gte=0"`
	Timeout           time.Duration `json:"timeout" validate:"gte=0"`
}

func (c Config) Validate() error {
	if err := ValidateStruct(c); err != nil {
		return fmt.Errorf("provider %q: %w", c.ID, err)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("provider %q: unsupported kind %q", c.ID, c.Kind)
	}
	if c.Kind.NeedsCredential() && c.APIKey == "" {
		return fmt.Errorf("provider %q: api key required for %s", c.ID, c.Kind)
	}
	return nil
}

// EffectiveTimeout returns the per-call timeout, falling back to DefaultTimeout.
func (c Config) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}
