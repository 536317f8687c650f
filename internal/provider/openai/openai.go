package openai

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
	defaultBaseURL = "https://api.openai.com/v1"
	grokBaseURL    = "https://api.x.ai/v1"
)

var openAIModels = []provider.Model{
	{ID: "gpt-4o-mini", ContextWindow: 128000, InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
	{ID: "gpt-4o", ContextWindow: 128000, InputCostPer1K: 0.0025, OutputCostPer1K: 0.01, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
	{ID: "gpt-4-turbo", ContextWindow: 128000, InputCostPer1K: 0.01, OutputCostPer1K: 0.03, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
	{ID: "gpt-3.5-turbo", ContextWindow: 16385, InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015, SupportsStreaming: true, SupportsTools: true},
}

var grokModels = []provider.Model{
	{ID: "grok-2-latest", ContextWindow: 131072, InputCostPer1K: 0.002, OutputCostPer1K: 0.01, SupportsStreaming: true, SupportsTools: true},
	{ID: "grok-2-vision-latest", ContextWindow: 32768, InputCostPer1K: 0.002, OutputCostPer1K: 0.01, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
}

// Backend speaks the Chat Completions protocol. It serves both OpenAI and
// xAI's OpenAI-compatible Grok endpoint.
type Backend struct {
	id           string
	apiKey       string
	baseURL      string
	organization string
	models       []provider.Model
	client       *http.Client
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	Tools          []openAITool    `json:"tools,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// openAIMessage content is either a string or a list of parts.
type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIReply `json:"message"`
	Delta        openAIReply `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIReply struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func New(cfg provider.Config) (*Backend, error) {
	b := &Backend{
		id:           cfg.ID,
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		organization: cfg.Organization,
		client:       http.DefaultClient,
	}
	switch cfg.Kind {
	case provider.KindOpenAI:
		b.models = openAIModels
		if b.baseURL == "" {
			b.baseURL = defaultBaseURL
		}
	case provider.KindGrok:
		b.models = grokModels
		if b.baseURL == "" {
			b.baseURL = grokBaseURL
		}
	default:
		return nil, fmt.Errorf("openai: unsupported kind %q", cfg.Kind)
	}
	return b, nil
}

func (b *Backend) Models() []provider.Model {
	return b.models
}

func (b *Backend) Complete(ctx context.Context, req *provider.Request, model provider.Model) (*provider.Response, error) {
	resp, err := b.post(ctx, "/chat/completions", b.mapRequest(req, model, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(openAIResp.Choices) == 0 {
		return nil, provider.NewError(b.id, provider.ServerError, "api returned no choices", nil)
	}

	choice := openAIResp.Choices[0]
	out := &provider.Response{
		ID:           openAIResp.ID,
		Model:        openAIResp.Model,
		Text:         choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
		ToolCalls:    mapToolCalls(choice.Message.ToolCalls),
	}
	if openAIResp.Usage != nil {
		out.Usage = provider.Usage{
			PromptTokens:     openAIResp.Usage.PromptTokens,
			CompletionTokens: openAIResp.Usage.CompletionTokens,
			TotalTokens:      openAIResp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (b *Backend) Stream(ctx context.Context, req *provider.Request, model provider.Model) (<-chan *provider.Chunk, error) {
	resp, err := b.post(ctx, "/chat/completions", b.mapRequest(req, model, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		final := &provider.Response{}
		err := provider.ScanEvents(resp.Body, func(ev provider.Event) error {
			if ev.Data == "[DONE]" {
				return provider.ErrStopStream
			}
			var chunk openAIResponse
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				return fmt.Errorf("decode stream chunk: %w", err)
			}
			if final.ID == "" {
				final.ID = chunk.ID
				final.Model = chunk.Model
			}
			if chunk.Usage != nil {
				final.Usage = provider.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				return nil
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				final.FinishReason = mapFinishReason(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				if !provider.Send(ctx, ch, &provider.Chunk{Delta: choice.Delta.Content}) {
					return ctx.Err()
				}
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

// Ping lists models, which costs nothing and checks the credential.
func (b *Backend) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	b.authorize(httpReq)
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

func (b *Backend) post(ctx context.Context, path string, payload openAIRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.authorize(httpReq)

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

func (b *Backend) authorize(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+b.apiKey)
	if b.organization != "" {
		r.Header.Set("OpenAI-Organization", b.organization)
	}
}

func (b *Backend) mapRequest(req *provider.Request, model provider.Model, stream bool) openAIRequest {
	var messages []openAIMessage
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}

	if len(req.Images) == 0 {
		messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
	} else {
		parts := make([]contentPart, 0, len(req.Images)+1)
		if req.Prompt != "" {
			parts = append(parts, contentPart{Type: "text", Text: req.Prompt})
		}
		for _, img := range req.Images {
			uri := fmt.Sprintf("data:%s;base64,%s", img.MediaType, base64.StdEncoding.EncodeToString(img.Data))
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: uri}})
		}
		messages = append(messages, openAIMessage{Role: "user", Content: parts})
	}

	out := openAIRequest{
		Model:       model.ID,
		Messages:    messages,
		MaxTokens:   req.EffectiveMaxTokens(),
		Temperature: req.EffectiveTemperature(),
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if req.JSONMode {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return out
}

func mapFinishReason(reason string) provider.FinishReason {
	switch reason {
	case "length":
		return provider.FinishLength
	case "tool_calls", "function_call":
		return provider.FinishToolCalls
	case "":
		return ""
	default:
		return provider.FinishStop
	}
}

func mapToolCalls(calls []openAIToolCall) []provider.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]provider.ToolCall, 0, len(calls))
	for _, c := range calls {
		tc := provider.ToolCall{ID: c.ID, Name: c.Function.Name}
		if json.Valid([]byte(c.Function.Arguments)) {
			tc.Arguments = json.RawMessage(c.Function.Arguments)
		}
		out = append(out, tc)
	}
	return out
}
