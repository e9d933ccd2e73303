package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveOllamaEmbedModel_Default(t *testing.T) {
	t.Setenv("LITINGEST_OLLAMA_EMBED_MODEL", "")
	got := resolveOllamaEmbedModel("")
	if got != "mxbai-embed-large" {
		t.Fatalf("expected default mxbai-embed-large, got %q", got)
	}
	if got := resolveOllamaEmbedModel("bge"); got != "bge-m3" {
		t.Fatalf("expected bge-m3, got %q", got)
	}
}

func TestOllamaEmbedReturnsNativeWidth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 2, 3}})
	}))
	defer srv.Close()
	t.Setenv("LITINGEST_OLLAMA_BASE_URL", srv.URL)

	vecs, _, err := NewOllamaProvider("").Embed(context.Background(), EmbedRequest{Inputs: []string{"a"}, Dimension: 1024})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 3 {
		t.Fatalf("vector width must not be padded or truncated: %#v", vecs)
	}
}

func TestOllamaCaptionDoneReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"content": "A table"}, "done_reason": "length"})
	}))
	defer srv.Close()
	t.Setenv("LITINGEST_OLLAMA_BASE_URL", srv.URL)

	resp, info, err := NewOllamaProvider("").Caption(context.Background(), CaptionRequest{Image: []byte("x"), MaxTokens: 5})
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if resp.Text != "A table" || !resp.Truncated || info.Name != "ollama" {
		t.Fatalf("unexpected: %+v %+v", resp, info)
	}
}
