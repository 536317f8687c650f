package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/vnmchuo/inference-router/internal/provider"
)

const defaultBaseURL = "http://localhost:11434"

// Local models have no per-token price.
var models = []provider.Model{
	{ID: "llama3.2", ContextWindow: 131072, SupportsStreaming: true},
	{ID: "llava", ContextWindow: 4096, SupportsVision: true, SupportsStreaming: true},
	{ID: "qwen2.5", ContextWindow: 32768, SupportsStreaming: true},
}

// Backend talks to a local Ollama server.
type Backend struct {
	id     string
	client *api.Client
}

func New(cfg provider.Config) (*Backend, error) {
	if cfg.Kind != provider.KindOllama {
		return nil, fmt.Errorf("ollama: unsupported kind %q", cfg.Kind)
	}
	raw := cfg.BaseURL
	if raw == "" {
		raw = defaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	httpClient := &http.Client{Transport: statusTransport{id: cfg.ID, base: http.DefaultTransport}}
	return &Backend{id: cfg.ID, client: api.NewClient(base, httpClient)}, nil
}

// statusTransport turns failed responses into typed errors before the
// ollama client flattens them.
type statusTransport struct {
	id   string
	base http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		body = []byte(payload.Error)
	}
	return nil, provider.FromStatus(t.id, resp.StatusCode, body)
}

func (b *Backend) Models() []provider.Model {
	return models
}

func (b *Backend) Complete(ctx context.Context, req *provider.Request, model provider.Model) (*provider.Response, error) {
	chatReq := mapRequest(req, model, false)

	out := &provider.Response{}
	var text strings.Builder
	err := b.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		text.WriteString(resp.Message.Content)
		if resp.Done {
			finish(out, resp)
		}
		return nil
	})
	if err != nil {
		return nil, b.mapError(err)
	}
	out.Text = text.String()
	return out, nil
}

func (b *Backend) Stream(ctx context.Context, req *provider.Request, model provider.Model) (<-chan *provider.Chunk, error) {
	chatReq := mapRequest(req, model, true)

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		final := &provider.Response{}
		err := b.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				if !provider.Send(ctx, ch, &provider.Chunk{Delta: resp.Message.Content}) {
					return ctx.Err()
				}
			}
			if resp.Done {
				finish(final, resp)
			}
			return nil
		})
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: b.mapError(err)})
			return
		}
		provider.Send(ctx, ch, &provider.Chunk{Done: true, Response: final})
	}()

	return ch, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Heartbeat(ctx); err != nil {
		return b.mapError(err)
	}
	return nil
}

func mapRequest(req *provider.Request, model provider.Model, stream bool) *api.ChatRequest {
	var messages []api.Message
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	user := api.Message{Role: "user", Content: req.Prompt}
	for _, img := range req.Images {
		user.Images = append(user.Images, api.ImageData(img.Data))
	}
	messages = append(messages, user)

	chatReq := &api.ChatRequest{
		Model:    model.ID,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.EffectiveTemperature(),
			"num_predict": req.EffectiveMaxTokens(),
		},
	}
	if req.JSONMode {
		chatReq.Format = json.RawMessage(`"json"`)
	}
	return chatReq
}

func finish(out *provider.Response, resp api.ChatResponse) {
	out.Model = resp.Model
	out.Usage = provider.Usage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}
	if resp.DoneReason == "length" {
		out.FinishReason = provider.FinishLength
	} else {
		out.FinishReason = provider.FinishStop
	}
}

func (b *Backend) mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr
	}
	var se api.StatusError
	if errors.As(err, &se) {
		msg := se.ErrorMessage
		if msg == "" {
			msg = se.Status
		}
		return provider.FromStatus(b.id, se.StatusCode, []byte(msg))
	}
	return provider.NewError(b.id, provider.ServerError, "", err)
}
