package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PatchEmbeddingProvider calls a multi-vector image embedding service (ColPali style)
// that answers POST /embed-image {"image": base64, "mime": "..."} with
// {"model": "...", "embeddings": [[...], ...]}, one row per patch.
type PatchEmbeddingProvider struct {
	alias   string
	baseURL string
	client  *http.Client
}

func NewPatchEmbeddingProvider(alias string) *PatchEmbeddingProvider {
	base := envOr("LITINGEST_PATCHES_URL", "http://localhost:8090")
	if alias != "" {
		base = envOr("LITINGEST_PATCHES_URL_"+sanitizeEnvToken(alias), base)
	}
	return &PatchEmbeddingProvider{
		alias:   alias,
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

func (p *PatchEmbeddingProvider) EmbedImage(ctx context.Context, req ImageEmbedRequest) ([][]float32, ProviderInfo, error) {
	info := ProviderInfo{Name: "patches", Key: p.alias}
	payload, _ := json.Marshal(map[string]any{
		"image":     base64.StdEncoding.EncodeToString(req.Image),
		"mime":      req.MIME,
		"dimension": req.Dimension,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed-image", bytes.NewReader(payload))
	if err != nil {
		return nil, info, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, info, fmt.Errorf("patch embedding request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, info, fmt.Errorf("patch embedding error %d: %s", resp.StatusCode, string(raw))
	}
	var parsed struct {
		Model      string      `json:"model"`
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, info, fmt.Errorf("decode patch embedding response: %w", err)
	}
	info.Model = parsed.Model
	if len(parsed.Embeddings) == 0 {
		return nil, info, fmt.Errorf("patch embedding service returned no patches")
	}
	return parsed.Embeddings, info, nil
}
