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

// OllamaProvider serves local embeddings and vision captions via Ollama.
// The default embed model, mxbai-embed-large, is 1024 wide.
type OllamaProvider struct {
	alias       string
	baseURL     string
	model       string
	visionModel string
	client      *http.Client
}

func NewOllamaProvider(alias string) *OllamaProvider {
	return &OllamaProvider{
		alias:       alias,
		baseURL:     strings.TrimRight(envOr("LITINGEST_OLLAMA_BASE_URL", "http://localhost:11434"), "/"),
		model:       resolveOllamaEmbedModel(alias),
		visionModel: envOr("LITINGEST_OLLAMA_VISION_MODEL", "llava"),
		client:      &http.Client{Timeout: 90 * time.Second},
	}
}

func (o *OllamaProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	info := ProviderInfo{Name: "ollama", Model: o.model, Key: o.alias}
	if len(req.Inputs) == 0 {
		return nil, info, fmt.Errorf("no embedding inputs")
	}
	out := make([][]float32, 0, len(req.Inputs))
	for _, text := range req.Inputs {
		var parsed struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := o.post(ctx, "/api/embeddings", map[string]any{"model": o.model, "prompt": text}, &parsed); err != nil {
			return nil, info, fmt.Errorf("ollama embedding: %w", err)
		}
		if len(parsed.Embedding) == 0 {
			return nil, info, fmt.Errorf("ollama returned empty embedding")
		}
		out = append(out, parsed.Embedding)
	}
	return out, info, nil
}

func (o *OllamaProvider) Caption(ctx context.Context, req CaptionRequest) (CaptionResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "ollama", Model: o.visionModel, Key: o.alias}
	body := map[string]any{
		"model":  o.visionModel,
		"stream": false,
		"messages": []map[string]any{
			{"role": "system", "content": req.SystemPrompt},
			{"role": "user", "content": "", "images": []string{base64.StdEncoding.EncodeToString(req.Image)}},
		},
	}
	if req.MaxTokens > 0 {
		body["options"] = map[string]any{"num_predict": req.MaxTokens}
	}
	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		DoneReason string `json:"done_reason"`
	}
	if err := o.post(ctx, "/api/chat", body, &parsed); err != nil {
		return CaptionResponse{}, info, fmt.Errorf("ollama caption: %w", err)
	}
	return CaptionResponse{Text: strings.TrimSpace(parsed.Message.Content), Truncated: parsed.DoneReason == "length"}, info, nil
}

func (o *OllamaProvider) post(ctx context.Context, path string, body any, out any) error {
	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return &StatusError{Provider: "ollama", Status: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func resolveOllamaEmbedModel(alias string) string {
	alias = strings.TrimSpace(alias)
	if alias != "" {
		key := "LITINGEST_OLLAMA_EMBED_MODEL_" + sanitizeEnvToken(alias)
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		switch strings.ToLower(alias) {
		case "mxbai":
			return "mxbai-embed-large"
		case "bge":
			return "bge-m3"
		}
		// Allow direct model in provider list, e.g. ollama:snowflake-arctic-embed
		if strings.Contains(alias, "-") || strings.Contains(alias, "/") || strings.Contains(alias, ".") {
			return alias
		}
	}
	if v := strings.TrimSpace(os.Getenv("LITINGEST_OLLAMA_EMBED_MODEL")); v != "" {
		return v
	}
	return "mxbai-embed-large"
}

func sanitizeEnvToken(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}
