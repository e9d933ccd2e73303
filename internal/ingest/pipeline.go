package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"litingest/internal/acquire"
	"litingest/internal/citation"
	"litingest/internal/decompose"
	"litingest/internal/models"
	"litingest/internal/storage"
	"litingest/internal/util"
)

type Resolver interface {
	Resolve(ctx context.Context, ref models.ExternalRef) (models.CanonicalMetadata, error)
}

type Downloader interface {
	Download(ctx context.Context, meta models.CanonicalMetadata, destDir string) (acquire.Download, error)
}

type Decomposer interface {
	Decompose(ctx context.Context, pdfPath string) (decompose.Decomposition, error)
}

type Captioner interface {
	CaptionAll(ctx context.Context, p *models.Paper)
}

type Embedder interface {
	EmbedPaper(ctx context.Context, p *models.Paper, mode models.EmbeddingMode) error
	DescriptionVectors(ctx context.Context, description string) ([][]float32, error)
	ScoreAbstract(ctx context.Context, descVecs [][]float32, abstract string) (float64, error)
}

type EdgeWalker interface {
	Edges(ctx context.Context, meta models.CanonicalMetadata) ([]models.Edge, citation.WalkReport, error)
}

// Store is the knowledge-base surface the pipeline writes through.
type Store interface {
	PersistPaper(ctx context.Context, projectID int64, p *models.Paper) (storage.PersistResult, error)
	FindPaper(ctx context.Context, id models.Identity) (int64, bool, error)
	FindByRef(ctx context.Context, ref models.ExternalRef) (int64, bool, error)
	LinkEdge(ctx context.Context, kind models.EdgeKind, sourcePaperID, targetPaperID int64) (bool, error)
}

type Options struct {
	Resolver   Resolver
	Downloader Downloader
	Decomposer Decomposer
	Captioner  Captioner
	Embedder   Embedder
	Walker     EdgeWalker
	Store      Store
	PDFDir     string
	Mode       models.EmbeddingMode
	Logger     *slog.Logger
}

// Pipeline runs the per-paper steps. Every step except Resolve and Persist degrades
// softly: its failure becomes a note on the paper.
type Pipeline struct {
	resolver   Resolver
	downloader Downloader
	decomposer Decomposer
	captioner  Captioner
	embedder   Embedder
	walker     EdgeWalker
	store      Store
	pdfDir     string
	mode       models.EmbeddingMode
	log        *slog.Logger
}

func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		resolver:   opts.Resolver,
		downloader: opts.Downloader,
		decomposer: opts.Decomposer,
		captioner:  opts.Captioner,
		embedder:   opts.Embedder,
		walker:     opts.Walker,
		store:      opts.Store,
		pdfDir:     opts.PDFDir,
		mode:       opts.Mode,
		log:        opts.Logger,
	}
	if p.pdfDir == "" {
		p.pdfDir = "./data/pdfs"
	}
	if p.mode == "" {
		p.mode = models.ModeSemantic
	}
	if p.log == nil {
		p.log = util.DiscardLogger()
	}
	return p
}

func (p *Pipeline) Resolve(ctx context.Context, ref models.ExternalRef) (models.CanonicalMetadata, error) {
	return p.resolver.Resolve(ctx, ref)
}

// Acquire downloads the PDF and returns its local path. A DownloadFailed leaves the
// paper metadata-only and returns "".
func (p *Pipeline) Acquire(ctx context.Context, paper *models.Paper) (string, error) {
	if p.downloader == nil {
		paper.Note("pdf download disabled")
		return "", nil
	}
	dl, err := p.downloader.Download(ctx, paper.Metadata, p.pdfDir)
	if err != nil {
		if isCancel(err) {
			return "", err
		}
		paper.Downloaded = false
		paper.Note("pdf not acquired: %v", err)
		p.log.Info("pdf not acquired", "source", paper.Metadata.Source, "source_id", paper.Metadata.SourceID, "kind", util.KindOf(err), "err", err)
		return "", nil
	}
	paper.PDFPath = dl.Location
	if paper.PDFPath == "" {
		paper.PDFPath = dl.Path
	}
	paper.Downloaded = true
	return dl.Path, nil
}

// Decompose splits the downloaded PDF. A DocumentParseError keeps the paper as a
// metadata-only record.
func (p *Pipeline) Decompose(ctx context.Context, paper *models.Paper, pdfPath string) error {
	if p.decomposer == nil || pdfPath == "" {
		return nil
	}
	dec, err := p.decomposer.Decompose(ctx, pdfPath)
	if err != nil {
		if isCancel(err) {
			return err
		}
		paper.DecomposeStatus = "failed"
		paper.Note("decomposition failed: %v", err)
		p.log.Warn("decomposition failed", "source", paper.Metadata.Source, "source_id", paper.Metadata.SourceID, "err", err)
		return nil
	}
	paper.DecomposeStatus = "ok"
	paper.FullText = dec.FullText
	paper.Figures = dec.Figures
	paper.Tables = dec.Tables
	paper.Notes = append(paper.Notes, dec.Notes...)
	return nil
}

func (p *Pipeline) Interpret(ctx context.Context, paper *models.Paper) error {
	if p.captioner != nil && len(paper.Figures)+len(paper.Tables) > 0 {
		p.captioner.CaptionAll(ctx, paper)
	}
	return ctx.Err()
}

func (p *Pipeline) Embed(ctx context.Context, paper *models.Paper) error {
	if p.embedder == nil {
		paper.NeedsEmbedding = true
		paper.Note("no embedder configured")
		return nil
	}
	return p.embedder.EmbedPaper(ctx, paper, p.mode)
}

// Score sets the advisory relevance of the paper's abstract against descVecs.
func (p *Pipeline) Score(ctx context.Context, descVecs [][]float32, paper *models.Paper) error {
	if p.embedder == nil || len(descVecs) == 0 || strings.TrimSpace(paper.Metadata.Abstract) == "" {
		return nil
	}
	s, err := p.embedder.ScoreAbstract(ctx, descVecs, paper.Metadata.Abstract)
	if err != nil {
		if isCancel(err) {
			return err
		}
		paper.Note("relevance not scored: %v", err)
		return nil
	}
	paper.Relevance = &s
	return nil
}

func (p *Pipeline) Persist(ctx context.Context, projectID int64, paper *models.Paper) (storage.PersistResult, error) {
	return p.store.PersistPaper(ctx, projectID, paper)
}

// DescriptionVectors embeds a project description for relevance scoring. Failures
// disable scoring for the run.
func (p *Pipeline) DescriptionVectors(ctx context.Context, description string) [][]float32 {
	if p.embedder == nil || strings.TrimSpace(description) == "" {
		return nil
	}
	vecs, err := p.embedder.DescriptionVectors(ctx, description)
	if err != nil {
		p.log.Warn("project description not embedded; relevance disabled", "err", err)
		return nil
	}
	return vecs
}

// Expand lists the citation edges of an ingested paper.
func (p *Pipeline) Expand(ctx context.Context, meta models.CanonicalMetadata) ([]models.Edge, citation.WalkReport, error) {
	if p.walker == nil {
		return nil, citation.WalkReport{}, nil
	}
	return p.walker.Edges(ctx, meta)
}

// PaperResult is the outcome of IngestPaper. Meta is set whenever resolution succeeded.
type PaperResult struct {
	Outcome models.ItemOutcome
	Meta    models.CanonicalMetadata
	Paper   *models.Paper
}

// PaperJob is one reference to ingest into a project.
type PaperJob struct {
	ProjectID int64
	Ref       models.ExternalRef
	Depth     int
	DescVecs  [][]float32
	// Claim, when set, is called once the identity is known; returning false marks the
	// reference as a duplicate of a paper already handled in the same run.
	Claim func(meta models.CanonicalMetadata) bool
}

// IngestPaper runs every step for one reference. Skips and soft failures are reported
// in the outcome with a nil error; the error is non-nil only for hard failures
// (integrity, store, cancellation).
func (p *Pipeline) IngestPaper(ctx context.Context, job PaperJob) (PaperResult, error) {
	ref := job.Ref
	res := PaperResult{Outcome: models.ItemOutcome{Ref: ref, Depth: job.Depth}}
	fail := func(err error) (PaperResult, error) {
		res.Outcome.Status = models.StatusFailed
		res.Outcome.Kind = string(util.KindOf(err))
		res.Outcome.Reason = err.Error()
		return res, err
	}

	meta, err := p.Resolve(ctx, ref)
	if err != nil {
		if isCancel(err) {
			return fail(err)
		}
		switch util.KindOf(err) {
		case util.KindMetadataShape:
			res.Outcome.Status = models.StatusSkipped
			res.Outcome.Kind = string(util.KindMetadataShape)
			res.Outcome.Reason = err.Error()
			p.log.Info("paper skipped", "ref", ref.Key(), "err", err)
			return res, nil
		default:
			p.log.Warn("paper not resolved", "ref", ref.Key(), "kind", util.KindOf(err), "err", err)
			res, _ = fail(err)
			return res, nil
		}
	}
	res.Meta = meta
	res.Outcome.Source = meta.Source
	res.Outcome.SourceID = meta.SourceID

	if job.Claim != nil && !job.Claim(meta) {
		res.Outcome.Status = models.StatusSkipped
		res.Outcome.Reason = "duplicate of " + meta.Identity().Key() + " in this run"
		return res, nil
	}

	if id, found, err := p.store.FindPaper(ctx, meta.Identity()); err != nil {
		return fail(err)
	} else if found {
		res.Outcome.Status = models.StatusSucceeded
		res.Outcome.PaperID = id
		res.Outcome.Notes = []string{"already stored"}
		return res, nil
	}

	paper := &models.Paper{Metadata: meta}
	res.Paper = paper
	var pdfPath string
	steps := []func() error{
		func() (err error) {
			pdfPath, err = p.Acquire(ctx, paper)
			return err
		},
		func() error { return p.Decompose(ctx, paper, pdfPath) },
		func() error { return p.Interpret(ctx, paper) },
		func() error { return p.Embed(ctx, paper) },
		func() error { return p.Score(ctx, job.DescVecs, paper) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fail(err)
		}
	}

	saved, err := p.Persist(ctx, job.ProjectID, paper)
	if err != nil {
		p.log.Error("paper not persisted", "source", meta.Source, "source_id", meta.SourceID, "kind", util.KindOf(err), "err", err)
		return fail(err)
	}
	res.Outcome.Status = models.StatusSucceeded
	res.Outcome.PaperID = saved.PaperID
	res.Outcome.Relevance = paper.Relevance
	res.Outcome.Notes = paper.Notes
	if !saved.Inserted {
		res.Outcome.Notes = append(res.Outcome.Notes, "already stored")
	}
	p.log.Info("paper ingested", "source", meta.Source, "source_id", meta.SourceID, "paper_id", saved.PaperID,
		"downloaded", paper.Downloaded, "figures", len(paper.Figures), "tables", len(paper.Tables), "chunks", len(paper.Chunks))
	return res, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
