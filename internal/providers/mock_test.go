package providers

import (
	"context"
	"math"
	"testing"
)

func TestMockVectorsAreUnitLengthAndDeterministic(t *testing.T) {
	m := NewMockProvider(1024)
	a, _, _ := m.Embed(context.Background(), EmbedRequest{Inputs: []string{"same"}})
	b, _, _ := m.Embed(context.Background(), EmbedRequest{Inputs: []string{"same"}})
	if len(a[0]) != 1024 {
		t.Fatalf("expected 1024 dims got %d", len(a[0]))
	}
	var norm float64
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("mock embedding not deterministic at %d", i)
		}
		norm += float64(a[0][i]) * float64(a[0][i])
	}
	if math.Abs(norm-1) > 1e-4 {
		t.Fatalf("expected unit norm got %f", norm)
	}
}

func TestMockImagePatches(t *testing.T) {
	m := NewMockProvider(1024)
	patches, _, err := m.EmbedImage(context.Background(), ImageEmbedRequest{Image: []byte("png")})
	if err != nil {
		t.Fatalf("embed image: %v", err)
	}
	if len(patches) != mockPatches {
		t.Fatalf("expected %d patches got %d", mockPatches, len(patches))
	}
	for _, p := range patches {
		if len(p) != 1024 {
			t.Fatalf("patch width %d", len(p))
		}
	}
}
