package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GroqProvider captions images through Groq's OpenAI-compatible vision models.
type GroqProvider struct {
	keyName string
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewGroqProvider(keyName string) *GroqProvider {
	return &GroqProvider{
		keyName: keyName,
		apiKey:  resolveKey("GROQ", keyName, "GROQ_API_KEY"),
		baseURL: strings.TrimRight(envOr("LITINGEST_GROQ_BASE_URL", "https://api.groq.com/openai/v1"), "/"),
		model:   envOr("LITINGEST_GROQ_VISION_MODEL", "meta-llama/llama-4-scout-17b-16e-instruct"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *GroqProvider) Caption(ctx context.Context, req CaptionRequest) (CaptionResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "groq", Key: g.keyName, Model: g.model}
	if g.apiKey == "" {
		return CaptionResponse{}, info, fmt.Errorf("groq key missing for alias %q", g.keyName)
	}
	out, err := chatCaption(ctx, g.client, g.baseURL+"/chat/completions", g.apiKey, g.model, req)
	if err != nil {
		return CaptionResponse{}, info, fmt.Errorf("groq caption: %w", err)
	}
	return out, info, nil
}
