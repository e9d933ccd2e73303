package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

const mockPatches = 4

// MockProvider is deterministic and offline. It implements every provider interface.
type MockProvider struct {
	dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 1024
	}
	return &MockProvider{dim: dim}
}

func (m *MockProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	_ = ctx
	dim := req.Dimension
	if dim <= 0 {
		dim = m.dim
	}
	vectors := make([][]float32, 0, len(req.Inputs))
	for _, input := range req.Inputs {
		vectors = append(vectors, deterministicVector(input, dim))
	}
	return vectors, ProviderInfo{Name: "mock", Model: fmt.Sprintf("mock-embed-%d", dim), Key: "mock"}, nil
}

func (m *MockProvider) Caption(ctx context.Context, req CaptionRequest) (CaptionResponse, ProviderInfo, error) {
	_ = ctx
	sum := sha256.Sum256(req.Image)
	text := fmt.Sprintf("Mock interpretation of a %d byte image (%x).", len(req.Image), sum[:4])
	return CaptionResponse{Text: text}, ProviderInfo{Name: "mock", Model: "mock-vision-v1", Key: "mock"}, nil
}

func (m *MockProvider) EmbedImage(ctx context.Context, req ImageEmbedRequest) ([][]float32, ProviderInfo, error) {
	_ = ctx
	dim := req.Dimension
	if dim <= 0 {
		dim = m.dim
	}
	sum := sha256.Sum256(req.Image)
	seed := string(sum[:])
	out := make([][]float32, 0, mockPatches)
	for i := 0; i < mockPatches; i++ {
		out = append(out, deterministicVector(seed+":"+strconv.Itoa(i), dim))
	}
	return out, ProviderInfo{Name: "mock", Model: fmt.Sprintf("mock-patches-%d", dim), Key: "mock"}, nil
}

func deterministicVector(input string, dim int) []float32 {
	vec := make([]float32, dim)
	seed := []byte(input)
	if len(seed) == 0 {
		seed = []byte("empty")
	}
	for i := 0; i < dim; i++ {
		h := sha256.Sum256(append(seed, byte(i%251), byte(i/251)))
		u := binary.BigEndian.Uint32(h[:4])
		vec[i] = float32(u%2000)/1000.0 - 1.0
	}
	return normalize(vec)
}

// normalize scales v to unit L2 length in place.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
