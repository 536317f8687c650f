package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/vnmchuo/inference-router/internal/provider"
)

type imageKey struct {
	Digest    string `json:"digest"`
	MediaType string `json:"media_type"`
}

type fingerprint struct {
	Prompt      string          `json:"prompt"`
	System      string          `json:"system"`
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	JSONMode    bool            `json:"json_mode"`
	Images      []imageKey      `json:"images,omitempty"`
	Tools       []provider.Tool `json:"tools,omitempty"`
}

// Fingerprint hashes the request fields that shape the output. Images
// contribute a content digest rather than their bytes; request IDs and
// caller identity are excluded. It returns "" when the request cannot be
// encoded, in which case callers bypass the cache.
func Fingerprint(req *provider.Request) string {
	fp := fingerprint{
		Prompt:      req.Prompt,
		System:      req.System,
		Model:       req.Model,
		Temperature: req.EffectiveTemperature(),
		MaxTokens:   req.EffectiveMaxTokens(),
		JSONMode:    req.JSONMode,
		Tools:       req.Tools,
	}
	for _, img := range req.Images {
		sum := sha256.Sum256(img.Data)
		fp.Images = append(fp.Images, imageKey{
			Digest:    hex.EncodeToString(sum[:16]),
			MediaType: img.MediaType,
		})
	}
	b, err := json.Marshal(fp)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
