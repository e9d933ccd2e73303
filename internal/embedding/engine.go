package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"litingest/internal/models"
	"litingest/internal/providers"
	"litingest/internal/util"
)

// Dimension is the width of every vector the knowledge base stores.
const Dimension = 1024

type Engine struct {
	text    providers.EmbeddingProvider
	image   providers.ImageEmbeddingProvider
	dim     int
	chunker ChunkerConfig
	log     *slog.Logger
}

type Options struct {
	Text      providers.EmbeddingProvider
	Image     providers.ImageEmbeddingProvider
	Dimension int
	Chunker   ChunkerConfig
	Logger    *slog.Logger
}

func New(opts Options) *Engine {
	e := &Engine{text: opts.Text, image: opts.Image, dim: opts.Dimension, chunker: opts.Chunker, log: opts.Logger}
	if e.dim <= 0 {
		e.dim = Dimension
	}
	if e.chunker == (ChunkerConfig{}) {
		e.chunker = DefaultChunkerConfig()
	}
	if e.log == nil {
		e.log = util.DiscardLogger()
	}
	return e
}

// CheckDimension rejects any vector whose width is not exactly dim.
func CheckDimension(op string, dim int, vecs ...[]float32) error {
	for i, v := range vecs {
		if len(v) != dim {
			return util.NewError(util.KindValidation, op, fmt.Errorf("%w: vector %d has %d dims, want %d", util.ErrDimensionMismatch, i, len(v), dim))
		}
	}
	return nil
}

func (e *Engine) embedTexts(ctx context.Context, op string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if e.text == nil {
		return nil, util.Errorf(util.KindEmbeddingUnavailable, op, "no text embedding provider configured")
	}
	vecs, _, err := e.text.Embed(ctx, providers.EmbedRequest{Operation: op, Inputs: inputs, Dimension: e.dim})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, util.NewError(util.KindEmbeddingUnavailable, op, err)
	}
	if len(vecs) != len(inputs) {
		return nil, util.Errorf(util.KindEmbeddingUnavailable, op, "provider returned %d vectors for %d inputs", len(vecs), len(inputs))
	}
	if err := CheckDimension(op, e.dim, vecs...); err != nil {
		return nil, err
	}
	return vecs, nil
}

// EmbedText splits text by mode and embeds every chunk. ModeNone yields one chunk
// holding the whole input.
func (e *Engine) EmbedText(ctx context.Context, text string, mode models.EmbeddingMode) ([]models.Chunk, error) {
	text = util.CollapseWhitespace(text)
	if text == "" {
		return nil, nil
	}
	var parts []string
	switch mode {
	case models.ModeNone:
		parts = []string{text}
	case models.ModeSemantic, "":
		mode = models.ModeSemantic
		var err error
		parts, err = splitSemantic(ctx, text, e.chunker, func(ctx context.Context, inputs []string) ([][]float32, error) {
			return e.embedTexts(ctx, "chunk_sentences", inputs)
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, util.Errorf(util.KindValidation, "embed text", "unknown embedding mode %q", mode)
	}
	vecs, err := e.embedTexts(ctx, "embed_chunks", parts)
	if err != nil {
		return nil, err
	}
	chunks := make([]models.Chunk, len(parts))
	for i := range parts {
		chunks[i] = models.Chunk{Index: i, Mode: mode, Text: parts[i], Embedding: vecs[i]}
	}
	return chunks, nil
}

func (e *Engine) EmbedOne(ctx context.Context, op, text string) ([]float32, error) {
	vecs, err := e.embedTexts(ctx, op, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedImage returns every patch vector of img, never pooled.
func (e *Engine) EmbedImage(ctx context.Context, img models.Image) ([][]float32, error) {
	op := fmt.Sprintf("embed %s p%d#%d", img.Role, img.Page, img.Index)
	if e.image == nil {
		return nil, util.Errorf(util.KindEmbeddingUnavailable, op, "no image embedding provider configured")
	}
	patches, _, err := e.image.EmbedImage(ctx, providers.ImageEmbedRequest{Operation: "embed_image", Image: img.Data, MIME: img.MIME, Dimension: e.dim})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, util.NewError(util.KindEmbeddingUnavailable, op, err)
	}
	if len(patches) == 0 {
		return nil, util.Errorf(util.KindEmbeddingUnavailable, op, "no patches returned")
	}
	if err := CheckDimension(op, e.dim, patches...); err != nil {
		return nil, err
	}
	return patches, nil
}

// EmbedPaper fills every embedding of p. Provider or width failures leave the affected
// vectors empty, add a note and flag the paper for backfill. Only cancellation is returned.
func (e *Engine) EmbedPaper(ctx context.Context, p *models.Paper, mode models.EmbeddingMode) error {
	soft := func(what string, err error) error {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		p.NeedsEmbedding = true
		p.Note("%s: %v", what, err)
		e.log.Warn("embedding failed", "source", p.Metadata.Source, "source_id", p.Metadata.SourceID, "what", what, "kind", util.KindOf(err), "err", err)
		return nil
	}

	if abs := strings.TrimSpace(p.Metadata.Abstract); abs != "" {
		v, err := e.EmbedOne(ctx, "embed_abstract", abs)
		if err != nil {
			if err := soft("abstract embedding", err); err != nil {
				return err
			}
		} else {
			p.AbstractEmbedding = v
		}
	}

	if p.FullText != "" {
		chunks, err := e.EmbedText(ctx, p.FullText, mode)
		if err != nil {
			if err := soft("body text embedding", err); err != nil {
				return err
			}
			// Keep the text searchable even without vectors.
			p.Chunks = []models.Chunk{{Index: 0, Mode: models.ModeNone, Text: p.FullText}}
		} else {
			p.Chunks = chunks
		}
	}

	for _, imgs := range [][]models.Image{p.Figures, p.Tables} {
		for i := range imgs {
			img := &imgs[i]
			label := fmt.Sprintf("%s p%d#%d", img.Role, img.Page, img.Index)
			if img.Caption != "" {
				v, err := e.EmbedOne(ctx, "embed_caption", img.Caption)
				if err != nil {
					if err := soft(label+" caption embedding", err); err != nil {
						return err
					}
				} else {
					img.CaptionEmbedding = v
				}
			}
			if len(img.Data) > 0 {
				patches, err := e.EmbedImage(ctx, *img)
				if err != nil {
					if err := soft(label+" image embedding", err); err != nil {
						return err
					}
				} else {
					img.PatchEmbeddings = patches
				}
			}
		}
	}
	return nil
}
