package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/inference-router/internal/provider"
)

type Config struct {
	// Server
	Port       string `validate:"required,numeric"` // default: 8080
	AdminToken string

	// Logging
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	// Routing
	Strategy                string        `validate:"oneof=priority cost-optimized load-balanced fastest best-quality"`
	FallbackEnabled         bool          // default: true
	CacheTTL                time.Duration `validate:"gte=0"` // default: 5m, 0 disables
	CacheSweepInterval      time.Duration `validate:"gt=0"`
	HealthCheckInterval     time.Duration `validate:"gte=0"` // 0 disables
	BreakerFailureThreshold uint32        `validate:"gte=1"`
	BreakerOpenTimeout      time.Duration `validate:"gt=0"`

	// Providers
	ProvidersFile string
	Providers     []provider.Config

	// Usage log (optional)
	PostgresDSN string

	// Caller rate limiting (optional)
	RedisAddr          string
	CallerRateLimitTPM int64 `validate:"gte=0"` // tokens per minute, default: 100000

	// Observability
	OTELExporterType     string `validate:"oneof=stdout otlp none"`
	OTELExporterEndpoint string // default: "localhost:4317"
}

// vendor describes how one provider is read from the environment. The
// provider is configured only when its Trigger variable is set.
type vendor struct {
	ID       string
	Kind     provider.Kind
	Prefix   string
	Trigger  string
	Priority int
}

var vendors = []vendor{
	{ID: "openai", Kind: provider.KindOpenAI, Prefix: "OPENAI", Trigger: "OPENAI_API_KEY", Priority: 1},
	{ID: "anthropic", Kind: provider.KindAnthropic, Prefix: "ANTHROPIC", Trigger: "ANTHROPIC_API_KEY", Priority: 2},
	{ID: "gemini", Kind: provider.KindGemini, Prefix: "GEMINI", Trigger: "GEMINI_API_KEY", Priority: 3},
	{ID: "grok", Kind: provider.KindGrok, Prefix: "XAI", Trigger: "XAI_API_KEY", Priority: 4},
	{ID: "ollama", Kind: provider.KindOllama, Prefix: "OLLAMA", Trigger: "OLLAMA_BASE_URL", Priority: 5},
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		Strategy:             getEnv("ROUTER_STRATEGY", "priority"),
		ProvidersFile:        os.Getenv("PROVIDERS_FILE"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var errs error
	var err error
	cfg.FallbackEnabled, err = getBool("FALLBACK_ENABLED", true)
	errs = multierr.Append(errs, err)
	cfg.CacheTTL, err = getDuration("CACHE_TTL", 5*time.Minute)
	errs = multierr.Append(errs, err)
	cfg.CacheSweepInterval, err = getDuration("CACHE_SWEEP_INTERVAL", time.Minute)
	errs = multierr.Append(errs, err)
	cfg.HealthCheckInterval, err = getDuration("HEALTH_CHECK_INTERVAL", 5*time.Minute)
	errs = multierr.Append(errs, err)
	cfg.BreakerOpenTimeout, err = getDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second)
	errs = multierr.Append(errs, err)
	threshold, err := getInt("BREAKER_FAILURE_THRESHOLD", 5)
	errs = multierr.Append(errs, err)
	if threshold > 0 {
		cfg.BreakerFailureThreshold = uint32(threshold)
	}
	tpm, err := getInt("CALLER_RATE_LIMIT_TPM", 100000)
	errs = multierr.Append(errs, err)
	cfg.CallerRateLimitTPM = int64(tpm)

	if cfg.ProvidersFile != "" {
		cfg.Providers, err = LoadProviders(cfg.ProvidersFile)
		errs = multierr.Append(errs, err)
	} else {
		cfg.Providers, err = providersFromEnv()
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return nil, errs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and every provider entry.
func (c *Config) Validate() error {
	var errs error
	if err := provider.ValidateStruct(c); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("config: %w", err))
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := seen[p.ID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("config: duplicate provider id %q", p.ID))
			continue
		}
		seen[p.ID] = struct{}{}
		errs = multierr.Append(errs, p.Validate())
	}
	return errs
}

func providersFromEnv() ([]provider.Config, error) {
	var out []provider.Config
	var errs error
	for _, v := range vendors {
		trigger := os.Getenv(v.Trigger)
		if trigger == "" {
			continue
		}
		p := provider.Config{
			ID:           v.ID,
			Kind:         v.Kind,
			BaseURL:      os.Getenv(v.Prefix + "_BASE_URL"),
			Organization: os.Getenv(v.Prefix + "_ORGANIZATION"),
			DefaultModel: os.Getenv(v.Prefix + "_DEFAULT_MODEL"),
		}
		if v.Kind.NeedsCredential() {
			p.APIKey = trigger
		}

		var err error
		p.Enabled, err = getBool(v.Prefix+"_ENABLED", true)
		errs = multierr.Append(errs, err)
		p.Priority, err = getInt(v.Prefix+"_PRIORITY", v.Priority)
		errs = multierr.Append(errs, err)
		p.RequestsPerMinute, err = getInt(v.Prefix+"_RPM", 0)
		errs = multierr.Append(errs, err)
		p.TokensPerMinute, err = getInt(v.Prefix+"_TPM", 0)
		errs = multierr.Append(errs, err)
		p.Timeout, err = getDuration(v.Prefix+"_TIMEOUT", provider.DefaultTimeout)
		errs = multierr.Append(errs, err)

		out = append(out, p)
	}
	return out, errs
}

type providersFile struct {
	Providers []providerEntry `yaml:"providers"`
}

type providerEntry struct {
	ID                string        `yaml:"id"`
	Kind              string        `yaml:"kind"`
	APIKey            string        `yaml:"api_key"`     //nolint:gosec // configuration field, not a hardcoded secret
	APIKeyEnv         string        `yaml:"api_key_env"` // read the key from this variable instead
	BaseURL           string        `yaml:"base_url"`
	Organization      string        `yaml:"organization"`
	DefaultModel      string        `yaml:"default_model"`
	Enabled           *bool         `yaml:"enabled"` // default: true
	Priority          int           `yaml:"priority"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	TokensPerMinute   int           `yaml:"tokens_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
}

// LoadProviders reads a YAML provider catalog. ${VAR} references are
// expanded before parsing.
func LoadProviders(path string) ([]provider.Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("config: load providers: %w", err)
	}

	var file providersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("config: parse providers: %w", err)
	}

	out := make([]provider.Config, 0, len(file.Providers))
	for i, e := range file.Providers {
		p := provider.Config{
			ID:                e.ID,
			Kind:              provider.Kind(e.Kind),
			APIKey:            e.APIKey,
			BaseURL:           e.BaseURL,
			Organization:      e.Organization,
			DefaultModel:      e.DefaultModel,
			Enabled:           true,
			Priority:          e.Priority,
			RequestsPerMinute: e.RequestsPerMinute,
			TokensPerMinute:   e.TokensPerMinute,
			Timeout:           e.Timeout,
		}
		if e.APIKeyEnv != "" {
			p.APIKey = os.Getenv(e.APIKeyEnv)
		}
		if e.Enabled != nil {
			p.Enabled = *e.Enabled
		}
		if p.Priority == 0 {
			p.Priority = i + 1
		}
		out = append(out, p)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
