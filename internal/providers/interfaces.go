package providers

import "context"

type ProviderInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Key   string `json:"key"`
}

type EmbedRequest struct {
	Operation string   `json:"operation"`
	Inputs    []string `json:"inputs"`
	Dimension int      `json:"dimension"`
}

type CaptionRequest struct {
	Operation    string `json:"operation"`
	SystemPrompt string `json:"system_prompt"`
	Image        []byte `json:"image"`
	MIME         string `json:"mime"`
	MaxTokens    int    `json:"max_tokens"`
}

type CaptionResponse struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

type ImageEmbedRequest struct {
	Operation string `json:"operation"`
	Image     []byte `json:"image"`
	MIME      string `json:"mime"`
	Dimension int    `json:"dimension"`
}

type EmbeddingProvider interface {
	Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error)
}

// VisionProvider describes a single figure or table image.
type VisionProvider interface {
	Caption(ctx context.Context, req CaptionRequest) (CaptionResponse, ProviderInfo, error)
}

// ImageEmbeddingProvider returns one vector per image patch.
type ImageEmbeddingProvider interface {
	EmbedImage(ctx context.Context, req ImageEmbedRequest) ([][]float32, ProviderInfo, error)
}
