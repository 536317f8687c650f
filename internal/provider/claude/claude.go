package claude

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vnmchuo/inference-router/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	jsonInstruction  = "Respond only with a single valid JSON document and no surrounding prose."
)

var models = []provider.Model{
	{ID: "claude-3-5-sonnet-20241022", ContextWindow: 200000, InputCostPer1K: 0.003, OutputCostPer1K: 0.015, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
	{ID: "claude-3-5-haiku-20241022", ContextWindow: 200000, InputCostPer1K: 0.0008, OutputCostPer1K: 0.004, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
	{ID: "claude-3-opus-20240229", ContextWindow: 200000, InputCostPer1K: 0.015, OutputCostPer1K: 0.075, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
	{ID: "claude-3-haiku-20240307", ContextWindow: 200000, InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
}

type Backend struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	Tools       []claudeTool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type    string          `json:"type"`
	Message *claudeResponse `json:"message,omitempty"`
	Delta   claudeDelta     `json:"delta"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
	Error   *claudeError    `json:"error,omitempty"`
}

type claudeDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(cfg provider.Config) (*Backend, error) {
	if cfg.Kind != provider.KindAnthropic {
		return nil, fmt.Errorf("claude: unsupported kind %q", cfg.Kind)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Backend{
		id:      cfg.ID,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}, nil
}

func (b *Backend) Models() []provider.Model {
	return models
}

func (b *Backend) Complete(ctx context.Context, req *provider.Request, model provider.Model) (*provider.Response, error) {
	resp, err := b.post(ctx, b.mapRequest(req, model, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(claudeResp.Content) == 0 {
		return nil, provider.NewError(b.id, provider.ServerError, "api returned no content", nil)
	}

	out := &provider.Response{
		ID:           claudeResp.ID,
		Model:        claudeResp.Model,
		FinishReason: mapStopReason(claudeResp.StopReason),
		Usage: provider.Usage{
			PromptTokens:     claudeResp.Usage.InputTokens,
			CompletionTokens: claudeResp.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range claudeResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, provider.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	out.Text = text.String()
	return out, nil
}

func (b *Backend) Stream(ctx context.Context, req *provider.Request, model provider.Model) (<-chan *provider.Chunk, error) {
	resp, err := b.post(ctx, b.mapRequest(req, model, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		final := &provider.Response{}
		err := provider.ScanEvents(resp.Body, func(ev provider.Event) error {
			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
				return fmt.Errorf("decode stream event: %w", err)
			}
			switch event.Type {
			case "message_start":
				if event.Message != nil {
					final.ID = event.Message.ID
					final.Model = event.Message.Model
					final.Usage.PromptTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !provider.Send(ctx, ch, &provider.Chunk{Delta: event.Delta.Text}) {
						return ctx.Err()
					}
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					final.FinishReason = mapStopReason(event.Delta.StopReason)
				}
				if event.Usage != nil {
					final.Usage.CompletionTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				return provider.ErrStopStream
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				kind := provider.ServerError
				if event.Error != nil && event.Error.Type == "rate_limit_error" {
					kind = provider.RateLimited
				}
				return provider.NewError(b.id, kind, msg, nil)
			}
			return nil
		})
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		provider.Send(ctx, ch, &provider.Chunk{Done: true, Response: final})
	}()

	return ch, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	b.setHeaders(httpReq)
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.ReadError(b.id, resp)
	}
	return nil
}

func (b *Backend) post(ctx context.Context, payload claudeRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.setHeaders(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ReadError(b.id, resp)
	}
	return resp, nil
}

func (b *Backend) setHeaders(r *http.Request) {
	r.Header.Set("x-api-key", b.apiKey)
	r.Header.Set("anthropic-version", anthropicVersion)
}

func (b *Backend) mapRequest(req *provider.Request, model provider.Model, stream bool) claudeRequest {
	blocks := make([]contentBlock, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	if req.Prompt != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: req.Prompt})
	}

	system := req.System
	if req.JSONMode {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}

	out := claudeRequest{
		Model:       model.ID,
		MaxTokens:   req.EffectiveMaxTokens(),
		System:      system,
		Messages:    []claudeMessage{{Role: "user", Content: blocks}},
		Temperature: req.EffectiveTemperature(),
		Stream:      stream,
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, claudeTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func mapStopReason(reason string) provider.FinishReason {
	switch reason {
	case "max_tokens":
		return provider.FinishLength
	case "tool_use":
		return provider.FinishToolCalls
	case "":
		return ""
	default:
		return provider.FinishStop
	}
}
