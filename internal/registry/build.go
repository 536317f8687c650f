package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/internal/provider"
	"github.com/vnmchuo/inference-router/internal/provider/claude"
	"github.com/vnmchuo/inference-router/internal/provider/gemini"
	"github.com/vnmchuo/inference-router/internal/provider/ollama"
	"github.com/vnmchuo/inference-router/internal/provider/openai"
)

// Build constructs the adapter for cfg.Kind. Unsupported kinds and missing
// credentials fail here rather than on first use.
func Build(ctx context.Context, cfg provider.Config, logger *zap.Logger) (*provider.Adapter, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		backend provider.Backend
		err     error
	)
	switch cfg.Kind {
	case provider.KindOpenAI, provider.KindGrok:
		backend, err = openai.New(cfg)
	case provider.KindAnthropic:
		backend, err = claude.New(cfg)
	case provider.KindGemini:
		backend, err = gemini.New(ctx, cfg)
	case provider.KindOllama:
		backend, err = ollama.New(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return provider.NewAdapter(cfg, backend, logger)
}

// AddConfig builds an adapter from cfg and registers it.
func (r *Registry) AddConfig(ctx context.Context, cfg provider.Config) (provider.Provider, error) {
	if _, err := r.Get(cfg.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, cfg.ID)
	}
	a, err := Build(ctx, cfg, r.logger)
	if err != nil {
		return nil, err
	}
	if err := r.Add(a); err != nil {
		return nil, err
	}
	return a, nil
}
