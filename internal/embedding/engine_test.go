package embedding

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"litingest/internal/models"
	"litingest/internal/providers"
	"litingest/internal/util"
)

// topicEmbedder maps text to a one-hot vector chosen by the first matching keyword.
type topicEmbedder struct {
	dim   int
	calls int
	err   error
}

func (t *topicEmbedder) Embed(ctx context.Context, req providers.EmbedRequest) ([][]float32, providers.ProviderInfo, error) {
	t.calls++
	if t.err != nil {
		return nil, providers.ProviderInfo{}, t.err
	}
	out := make([][]float32, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		v := make([]float32, t.dim)
		switch {
		case strings.Contains(strings.ToLower(in), "rocket"):
			v[1] = 1
		default:
			v[0] = 1
		}
		out = append(out, v)
	}
	return out, providers.ProviderInfo{Name: "topic"}, nil
}

func TestEmbedTextNoneIsOneChunk(t *testing.T) {
	e := New(Options{Text: providers.NewMockProvider(Dimension)})
	chunks, err := e.EmbedText(context.Background(), "One.  Two\nthree.", models.ModeNone)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "One. Two three.", chunks[0].Text)
	require.Equal(t, models.ModeNone, chunks[0].Mode)
	require.Len(t, chunks[0].Embedding, Dimension)
}

func TestSemanticChunkingSplitsOnTopicShift(t *testing.T) {
	e := New(Options{Text: &topicEmbedder{dim: Dimension}, Chunker: ChunkerConfig{Threshold: 0.5, MinSentences: 1, MaxTokens: 100}})
	chunks, err := e.EmbedText(context.Background(), "Cats purr. Cats nap. Rockets launch. Rockets orbit.", models.ModeSemantic)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "Cats purr. Cats nap.", chunks[0].Text)
	require.Equal(t, "Rockets launch. Rockets orbit.", chunks[1].Text)
	require.Equal(t, 0, chunks[0].Index)
	require.Equal(t, 1, chunks[1].Index)
}

func TestSemanticChunkingRespectsMaxTokens(t *testing.T) {
	e := New(Options{Text: &topicEmbedder{dim: Dimension}, Chunker: ChunkerConfig{Threshold: 0, MinSentences: 1, MaxTokens: 4}})
	chunks, err := e.EmbedText(context.Background(), "a b. c d. e f.", models.ModeSemantic)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "a b. c d.", chunks[0].Text)
	require.Equal(t, "e f.", chunks[1].Text)
}

func TestSemanticChunkingIsDeterministic(t *testing.T) {
	text := "Interleukin 6 drives inflammation. It signals through STAT3. " +
		"Mice lacking the receptor were protected. Rockets are unrelated. " +
		"The results suggest a therapeutic target. Further work is needed."
	cfg := ChunkerConfig{Auto: true, MinSentences: 1, MaxTokens: 12}
	a, err := New(Options{Text: providers.NewMockProvider(Dimension), Chunker: cfg}).EmbedText(context.Background(), text, models.ModeSemantic)
	require.NoError(t, err)
	b, err := New(Options{Text: providers.NewMockProvider(Dimension), Chunker: cfg}).EmbedText(context.Background(), text, models.ModeSemantic)
	require.NoError(t, err)
	require.Equal(t, a, b)

	var joined []string
	for _, c := range a {
		require.Len(t, c.Embedding, Dimension)
		joined = append(joined, c.Text)
	}
	require.Equal(t, text, strings.Join(joined, " "))
}

func TestWrongWidthIsValidationError(t *testing.T) {
	e := New(Options{Text: &topicEmbedder{dim: 768}})
	_, err := e.EmbedText(context.Background(), "Only one sentence.", models.ModeNone)
	require.Equal(t, util.KindValidation, util.KindOf(err))
	require.True(t, errors.Is(err, util.ErrDimensionMismatch))

	require.NoError(t, CheckDimension("x", 3, []float32{1, 2, 3}))
	require.Error(t, CheckDimension("x", 3, []float32{1, 2, 3}, []float32{1}))
}

func TestEmbedPaperFlagsBackfillOnProviderFailure(t *testing.T) {
	e := New(Options{Text: &topicEmbedder{dim: Dimension, err: errors.New("503 unavailable")}, Image: providers.NewMockProvider(Dimension)})
	p := &models.Paper{
		Metadata: models.CanonicalMetadata{Abstract: "An abstract."},
		FullText: "Body text.",
		Figures:  []models.Image{{Role: models.RoleFigure, Page: 1, Data: []byte("png"), Caption: "A chart."}},
	}
	require.NoError(t, e.EmbedPaper(context.Background(), p, models.ModeSemantic))
	require.True(t, p.NeedsEmbedding)
	require.Nil(t, p.AbstractEmbedding)
	require.Len(t, p.Chunks, 1)
	require.Nil(t, p.Chunks[0].Embedding)
	require.Nil(t, p.Figures[0].CaptionEmbedding)
	require.Len(t, p.Figures[0].PatchEmbeddings, 4)
	require.NotEmpty(t, p.Notes)
}

func TestEmbedPaperHappyPath(t *testing.T) {
	mock := providers.NewMockProvider(Dimension)
	e := New(Options{Text: mock, Image: mock})
	p := &models.Paper{
		Metadata: models.CanonicalMetadata{Abstract: "An abstract."},
		FullText: "First sentence. Second sentence.",
		Tables:   []models.Image{{Role: models.RoleTable, Page: 2, Data: []byte("png"), Caption: "Doses."}},
	}
	require.NoError(t, e.EmbedPaper(context.Background(), p, models.ModeSemantic))
	require.False(t, p.NeedsEmbedding)
	require.Len(t, p.AbstractEmbedding, Dimension)
	require.NotEmpty(t, p.Chunks)
	require.Len(t, p.Tables[0].CaptionEmbedding, Dimension)
}

func TestSymmetricScore(t *testing.T) {
	e0 := make([]float32, 4)
	e0[0] = 1
	e1 := make([]float32, 4)
	e1[1] = 1
	require.InDelta(t, 0.75, SymmetricScore([][]float32{e0, e1}, [][]float32{e0}), 1e-9)
	require.InDelta(t, 1.0, SymmetricScore([][]float32{e0}, [][]float32{e0}), 1e-9)
	require.Zero(t, SymmetricScore(nil, [][]float32{e0}))
}

func TestRelevanceOrdersByTopic(t *testing.T) {
	e := New(Options{Text: &topicEmbedder{dim: Dimension}, Chunker: ChunkerConfig{Threshold: 0.5, MinSentences: 1, MaxTokens: 100}})
	scores, err := e.Relevance(context.Background(), "Cats and their habits.", []string{"Cats sleep a lot.", "Rockets burn fuel."})
	require.NoError(t, err)
	require.Len(t, scores, 2)
	require.Greater(t, scores[0], scores[1])
}

func TestParseThreshold(t *testing.T) {
	auto, _, err := ParseThreshold("auto")
	require.NoError(t, err)
	require.True(t, auto)
	auto, v, err := ParseThreshold("0.7")
	require.NoError(t, err)
	require.False(t, auto)
	require.Equal(t, 0.7, v)
	_, _, err = ParseThreshold("1.5")
	require.Error(t, err)
}
