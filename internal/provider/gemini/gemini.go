package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vnmchuo/inference-router/internal/provider"
)

var models = []provider.Model{
	{ID: "gemini-2.0-flash", ContextWindow: 1048576, InputCostPer1K: 0.0001, OutputCostPer1K: 0.0004, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
	{ID: "gemini-1.5-pro", ContextWindow: 2097152, InputCostPer1K: 0.00125, OutputCostPer1K: 0.005, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
	{ID: "gemini-1.5-flash", ContextWindow: 1048576, InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003, SupportsVision: true, SupportsStreaming: true, SupportsTools: true},
}

// Backend calls the Gemini API through the genai SDK.
type Backend struct {
	id     string
	client *genai.Client
}

func New(ctx context.Context, cfg provider.Config) (*Backend, error) {
	if cfg.Kind != provider.KindGemini {
		return nil, fmt.Errorf("gemini: unsupported kind %q", cfg.Kind)
	}
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: http.DefaultClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.BaseURL, "/") + "/"}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Backend{id: cfg.ID, client: client}, nil
}

func (b *Backend) Models() []provider.Model {
	return models
}

func (b *Backend) Complete(ctx context.Context, req *provider.Request, model provider.Model) (*provider.Response, error) {
	resp, err := b.client.Models.GenerateContent(ctx, model.ID, contents(req), generationConfig(req))
	if err != nil {
		return nil, b.mapError(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, provider.NewError(b.id, provider.ServerError, "api returned no candidates", nil)
	}

	out := &provider.Response{}
	merge(out, resp)
	return out, nil
}

func (b *Backend) Stream(ctx context.Context, req *provider.Request, model provider.Model) (<-chan *provider.Chunk, error) {
	stream := b.client.Models.GenerateContentStream(ctx, model.ID, contents(req), generationConfig(req))

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		final := &provider.Response{}
		for resp, err := range stream {
			if err != nil {
				provider.Send(ctx, ch, &provider.Chunk{Err: b.mapError(err)})
				return
			}
			delta := merge(final, resp)
			if delta == "" {
				continue
			}
			if !provider.Send(ctx, ch, &provider.Chunk{Delta: delta}) {
				return
			}
		}
		final.Text = ""
		provider.Send(ctx, ch, &provider.Chunk{Done: true, Response: final})
	}()

	return ch, nil
}

// Ping fetches the default model's metadata.
func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.client.Models.Get(ctx, models[0].ID, nil); err != nil {
		return b.mapError(err)
	}
	return nil
}

func contents(req *provider.Request) []*genai.Content {
	parts := make([]*genai.Part, 0, len(req.Images)+1)
	if req.Prompt != "" {
		parts = append(parts, genai.NewPartFromText(req.Prompt))
	}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MediaType))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func generationConfig(req *provider.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.EffectiveMaxTokens()),
		Temperature:     genai.Ptr(float32(req.EffectiveTemperature())),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Parameters) > 0 {
				var schema genai.Schema
				if err := json.Unmarshal(t.Parameters, &schema); err == nil {
					decl.Parameters = &schema
				}
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// merge folds one response into out and returns the text it contributed.
func merge(out *provider.Response, resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	if resp.UsageMetadata != nil {
		out.Usage = provider.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return ""
	}

	cand := resp.Candidates[0]
	switch cand.FinishReason {
	case "":
	case genai.FinishReasonMaxTokens:
		out.FinishReason = provider.FinishLength
	default:
		out.FinishReason = provider.FinishStop
	}

	var text strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
				out.FinishReason = provider.FinishToolCalls
				continue
			}
			text.WriteString(part.Text)
		}
	}
	if cand.GroundingMetadata != nil {
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk != nil && chunk.Web != nil {
				out.Sources = append(out.Sources, provider.Source{Title: chunk.Web.Title, URL: chunk.Web.URI})
			}
		}
	}
	out.Text += text.String()
	return text.String()
}

func (b *Backend) mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.FromStatus(b.id, apiErr.Code, []byte(apiErr.Message))
	}
	return err
}
