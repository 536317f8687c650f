// Package providertest provides a scriptable provider.Backend for tests.
package providertest

import (
	"context"
	"sync/atomic"

	"github.com/vnmchuo/inference-router/internal/provider"
)

// Backend is a provider.Backend whose behaviour is set through func fields.
// Nil funcs succeed with a fixed response.
type Backend struct {
	Catalog      []provider.Model
	CompleteFunc func(ctx context.Context, req *provider.Request, model provider.Model) (*provider.Response, error)
	StreamFunc   func(ctx context.Context, req *provider.Request, model provider.Model) (<-chan *provider.Chunk, error)
	PingFunc     func(ctx context.Context) error

	calls atomic.Int32
}

// DefaultModel is the single catalog entry used when Catalog is empty.
var DefaultModel = provider.Model{
	ID:                "test-model",
	ContextWindow:     8192,
	InputCostPer1K:    0.001,
	OutputCostPer1K:   0.002,
	SupportsVision:    true,
	SupportsStreaming: true,
	SupportsTools:     true,
}

func (b *Backend) Models() []provider.Model {
	if len(b.Catalog) == 0 {
		return []provider.Model{DefaultModel}
	}
	return b.Catalog
}

func (b *Backend) Complete(ctx context.Context, req *provider.Request, model provider.Model) (*provider.Response, error) {
	b.calls.Add(1)
	if b.CompleteFunc != nil {
		return b.CompleteFunc(ctx, req, model)
	}
	return &provider.Response{
		Text:  "ok",
		Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

func (b *Backend) Stream(ctx context.Context, req *provider.Request, model provider.Model) (<-chan *provider.Chunk, error) {
	b.calls.Add(1)
	if b.StreamFunc != nil {
		return b.StreamFunc(ctx, req, model)
	}
	return Chunks(ctx, &provider.Chunk{Delta: "ok"}, &provider.Chunk{Done: true}), nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if b.PingFunc != nil {
		return b.PingFunc(ctx)
	}
	return nil
}

// Calls returns how many Complete and Stream calls reached the backend.
func (b *Backend) Calls() int {
	return int(b.calls.Load())
}

// Chunks streams the given chunks in order and closes the channel.
func Chunks(ctx context.Context, chunks ...*provider.Chunk) <-chan *provider.Chunk {
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if !provider.Send(ctx, ch, c) {
				return
			}
		}
	}()
	return ch
}

// Fail returns a CompleteFunc that always fails with err.
func Fail(err error) func(context.Context, *provider.Request, provider.Model) (*provider.Response, error) {
	return func(context.Context, *provider.Request, provider.Model) (*provider.Response, error) {
		return nil, err
	}
}
