package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGroqCaptionUsesChatCompletions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer gk" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"finish_reason": "length", "message": map[string]string{"content": " Panel A shows... "}}},
		})
	}))
	defer srv.Close()
	t.Setenv("LITINGEST_GROQ_BASE_URL", srv.URL)
	t.Setenv("LITINGEST_GROQ_KEY_ALIAS1", "gk")

	p := NewGroqProvider("alias1")
	resp, info, err := p.Caption(context.Background(), CaptionRequest{SystemPrompt: "s", Image: []byte("png"), MaxTokens: 10})
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if resp.Text != "Panel A shows..." || !resp.Truncated {
		t.Fatalf("unexpected caption: %+v", resp)
	}
	if info.Name != "groq" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestGroqMissingKey(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "")
	p := NewGroqProvider("nokey")
	if _, _, err := p.Caption(context.Background(), CaptionRequest{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
