package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiProvider captions images and embeds text through the Gemini API.
type GeminiProvider struct {
	keyName     string
	client      *genai.Client
	visionModel string
	embedModel  string
}

func NewGeminiProvider(ctx context.Context, keyName string) (*GeminiProvider, error) {
	g := &GeminiProvider{
		keyName:     keyName,
		visionModel: envOr("LITINGEST_GEMINI_VISION_MODEL", "gemini-1.5-flash"),
		embedModel:  envOr("LITINGEST_GEMINI_EMBED_MODEL", "text-embedding-004"),
	}
	apiKey := resolveKey("GEMINI", keyName, "GEMINI_API_KEY")
	if apiKey == "" {
		return g, nil
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	g.client = cl
	return g, nil
}

func (g *GeminiProvider) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiProvider) Caption(ctx context.Context, req CaptionRequest) (CaptionResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "gemini", Model: g.visionModel, Key: g.keyName}
	if g.client == nil {
		return CaptionResponse{}, info, fmt.Errorf("gemini key missing for alias %q", g.keyName)
	}
	m := g.client.GenerativeModel(g.visionModel)
	if req.SystemPrompt != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	format := strings.TrimPrefix(req.MIME, "image/")
	if format == "" {
		format = "png"
	}
	resp, err := m.GenerateContent(ctx, genai.ImageData(format, req.Image))
	if err != nil {
		return CaptionResponse{}, info, fmt.Errorf("gemini caption: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return CaptionResponse{}, info, fmt.Errorf("gemini returned no candidates")
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return CaptionResponse{
		Text:      strings.TrimSpace(b.String()),
		Truncated: resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens,
	}, info, nil
}

func (g *GeminiProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	info := ProviderInfo{Name: "gemini", Model: g.embedModel, Key: g.keyName}
	if g.client == nil {
		return nil, info, fmt.Errorf("gemini key missing for alias %q", g.keyName)
	}
	if len(req.Inputs) == 0 {
		return nil, info, nil
	}
	em := g.client.EmbeddingModel(g.embedModel)
	batch := em.NewBatch()
	for _, t := range req.Inputs {
		batch.AddContent(genai.Text(t))
	}
	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, info, fmt.Errorf("gemini batch embed: %w", err)
	}
	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	return out, info, nil
}
