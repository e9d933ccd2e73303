package embedding

import (
	"context"
	"math"

	"litingest/internal/models"
)

// SymmetricScore averages the mean best match of each row of a with the mean best
// match of each column, over the full cosine matrix of a against b.
func SymmetricScore(a, b [][]float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	colMax := make([]float64, len(b))
	for j := range colMax {
		colMax[j] = math.Inf(-1)
	}
	var rowSum float64
	for i := range a {
		rowMax := math.Inf(-1)
		for j := range b {
			s := Cosine(a[i], b[j])
			if s > rowMax {
				rowMax = s
			}
			if s > colMax[j] {
				colMax[j] = s
			}
		}
		rowSum += rowMax
	}
	var colSum float64
	for _, c := range colMax {
		colSum += c
	}
	return (rowSum/float64(len(a)) + colSum/float64(len(b))) / 2
}

func chunkVectors(chunks []models.Chunk) [][]float32 {
	out := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			out = append(out, c.Embedding)
		}
	}
	return out
}

// DescriptionVectors embeds a project description once so it can be scored against
// many abstracts.
func (e *Engine) DescriptionVectors(ctx context.Context, description string) ([][]float32, error) {
	chunks, err := e.EmbedText(ctx, description, models.ModeSemantic)
	if err != nil {
		return nil, err
	}
	return chunkVectors(chunks), nil
}

func (e *Engine) ScoreAbstract(ctx context.Context, descVecs [][]float32, abstract string) (float64, error) {
	chunks, err := e.EmbedText(ctx, abstract, models.ModeSemantic)
	if err != nil {
		return 0, err
	}
	return SymmetricScore(descVecs, chunkVectors(chunks)), nil
}

// Relevance scores each abstract against description, in input order. Scores are advisory.
func (e *Engine) Relevance(ctx context.Context, description string, abstracts []string) ([]float64, error) {
	desc, err := e.DescriptionVectors(ctx, description)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(abstracts))
	for _, a := range abstracts {
		s, err := e.ScoreAbstract(ctx, desc, a)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
