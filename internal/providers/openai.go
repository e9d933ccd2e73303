package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIProvider uses standard OpenAI REST APIs when keys are configured.
type OpenAIProvider struct {
	keyName     string
	apiKey      string
	baseURL     string
	embedModel  string
	visionModel string
	client      *http.Client
}

func NewOpenAIProvider(keyName string) *OpenAIProvider {
	return &OpenAIProvider{
		keyName:     keyName,
		apiKey:      resolveKey("OPENAI", keyName, "OPENAI_API_KEY"),
		baseURL:     strings.TrimRight(envOr("LITINGEST_OPENAI_BASE_URL", defaultOpenAIBase), "/"),
		embedModel:  envOr("LITINGEST_OPENAI_EMBED_MODEL", "text-embedding-3-small"),
		visionModel: envOr("LITINGEST_OPENAI_VISION_MODEL", "gpt-4o-mini"),
		client:      &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *OpenAIProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	info := ProviderInfo{Name: "openai", Model: o.embedModel, Key: o.keyName}
	if o.apiKey == "" {
		return nil, info, fmt.Errorf("openai key missing for alias %q", o.keyName)
	}
	body := map[string]any{"model": o.embedModel, "input": req.Inputs}
	if req.Dimension > 0 {
		body["dimensions"] = req.Dimension
	}
	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, info, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, info, fmt.Errorf("openai embedding request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, info, &StatusError{Provider: "openai", Status: resp.StatusCode, Body: string(raw)}
	}
	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, info, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) != len(req.Inputs) {
		return nil, info, fmt.Errorf("openai returned %d embeddings for %d inputs", len(parsed.Data), len(req.Inputs))
	}
	out := make([][]float32, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, info, fmt.Errorf("openai embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, info, nil
}

func (o *OpenAIProvider) Caption(ctx context.Context, req CaptionRequest) (CaptionResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "openai", Model: o.visionModel, Key: o.keyName}
	if o.apiKey == "" {
		return CaptionResponse{}, info, fmt.Errorf("openai key missing for alias %q", o.keyName)
	}
	out, err := chatCaption(ctx, o.client, o.baseURL+"/chat/completions", o.apiKey, o.visionModel, req)
	if err != nil {
		return CaptionResponse{}, info, fmt.Errorf("openai caption: %w", err)
	}
	return out, info, nil
}

// chatCaption sends one image through an OpenAI-compatible chat completions endpoint.
func chatCaption(ctx context.Context, client *http.Client, endpoint, apiKey, model string, req CaptionRequest) (CaptionResponse, error) {
	mime := req.MIME
	if mime == "" {
		mime = "image/png"
	}
	dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
	body := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "system", "content": req.SystemPrompt},
			{"role": "user", "content": []map[string]any{
				{"type": "image_url", "image_url": map[string]string{"url": dataURI}},
			}},
		},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return CaptionResponse{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(httpReq)
	if err != nil {
		return CaptionResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return CaptionResponse{}, &StatusError{Provider: "chat", Status: resp.StatusCode, Body: string(raw)}
	}
	var parsed struct {
		Choices []struct {
			FinishReason string `json:"finish_reason"`
			Message      struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return CaptionResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return CaptionResponse{}, fmt.Errorf("empty choices")
	}
	c := parsed.Choices[0]
	return CaptionResponse{Text: strings.TrimSpace(c.Message.Content), Truncated: c.FinishReason == "length"}, nil
}

// resolveKey looks up LITINGEST_<VENDOR>_KEY_<ALIAS>, then the vendor's standard variable.
func resolveKey(vendor, alias, fallbackEnv string) string {
	if alias != "" {
		if k := os.Getenv("LITINGEST_" + vendor + "_KEY_" + sanitizeEnvToken(alias)); k != "" {
			return k
		}
	}
	return os.Getenv(fallbackEnv)
}

func envOr(k, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return fallback
}
