package embedding

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"litingest/internal/util"
)

// ChunkerConfig controls semantic chunking. Auto picks the similarity threshold per
// document as mean minus one standard deviation of adjacent-sentence similarity.
type ChunkerConfig struct {
	Auto         bool
	Threshold    float64
	MinSentences int
	MaxTokens    int
}

func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{Auto: true, MinSentences: 1, MaxTokens: 100}
}

// ParseThreshold accepts "auto" or a float in [0, 1].
func ParseThreshold(raw string) (auto bool, threshold float64, err error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return true, 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("chunk threshold %q: %w", raw, err)
	}
	if v < 0 || v > 1 {
		return false, 0, fmt.Errorf("chunk threshold %v outside [0,1]", v)
	}
	return false, v, nil
}

type sentenceEmbedder func(ctx context.Context, inputs []string) ([][]float32, error)

// splitSemantic groups sentences while each next sentence stays similar to the running
// group centroid. The output preserves input order and depends only on text, config
// and the embedder's vectors.
func splitSemantic(ctx context.Context, text string, cfg ChunkerConfig, embed sentenceEmbedder) ([]string, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 100
	}
	if cfg.MinSentences <= 0 {
		cfg.MinSentences = 1
	}
	var sentences []string
	for _, s := range util.SplitSentences(text) {
		if util.CountTokens(s) > cfg.MaxTokens {
			sentences = append(sentences, util.WordWindows(s, cfg.MaxTokens)...)
			continue
		}
		sentences = append(sentences, s)
	}
	switch len(sentences) {
	case 0:
		return nil, nil
	case 1:
		return sentences, nil
	}

	vecs, err := embed(ctx, sentences)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(sentences) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d sentences", len(vecs), len(sentences))
	}

	threshold := cfg.Threshold
	if cfg.Auto {
		threshold = adaptiveThreshold(vecs)
	}

	var chunks []string
	group := []string{sentences[0]}
	tokens := util.CountTokens(sentences[0])
	centroid := append([]float64(nil), toFloat64(vecs[0])...)
	flush := func() {
		chunks = append(chunks, strings.Join(group, " "))
	}
	for i := 1; i < len(sentences); i++ {
		n := util.CountTokens(sentences[i])
		sim := cosine64(centroid, toFloat64(vecs[i]))
		fits := tokens+n <= cfg.MaxTokens
		if fits && (sim >= threshold || len(group) < cfg.MinSentences) {
			group = append(group, sentences[i])
			tokens += n
			for j, x := range vecs[i] {
				centroid[j] += float64(x)
			}
			continue
		}
		flush()
		group = []string{sentences[i]}
		tokens = n
		centroid = append(centroid[:0], toFloat64(vecs[i])...)
	}
	flush()
	return chunks, nil
}

func adaptiveThreshold(vecs [][]float32) float64 {
	if len(vecs) < 2 {
		return 0
	}
	sims := make([]float64, 0, len(vecs)-1)
	for i := 1; i < len(vecs); i++ {
		sims = append(sims, Cosine(vecs[i-1], vecs[i]))
	}
	var mean float64
	for _, s := range sims {
		mean += s
	}
	mean /= float64(len(sims))
	var variance float64
	for _, s := range sims {
		variance += (s - mean) * (s - mean)
	}
	t := mean - math.Sqrt(variance/float64(len(sims)))
	return math.Max(0, math.Min(1, t))
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func cosine64(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func Cosine(a, b []float32) float64 {
	return cosine64(toFloat64(a), toFloat64(b))
}
