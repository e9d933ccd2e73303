package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.temporal.io/sdk/temporal"

	"litingest/internal/app"
	"litingest/internal/config"
	"litingest/internal/ingest"
	"litingest/internal/models"
	"litingest/internal/storage"
	"litingest/internal/util"
)

type ProjectStore interface {
	GetOrCreateProject(ctx context.Context, name, description string) (models.Project, error)
}

type BackfillStore interface {
	ListNeedsEmbedding(ctx context.Context, projectID int64, limit int) ([]storage.PendingPaper, error)
	UpdateAbstractEmbedding(ctx context.Context, paperID int64, vec []float32) error
	ListUnembeddedChunks(ctx context.Context, paperID int64) ([]storage.PendingText, error)
	UpdateChunkEmbedding(ctx context.Context, t storage.PendingText, vec []float32) error
	ClearNeedsEmbedding(ctx context.Context, paperID int64) error
}

// TextEmbedder embeds single texts for the backfill path.
type TextEmbedder interface {
	EmbedOne(ctx context.Context, op, text string) ([]float32, error)
}

type Deps struct {
	Config   config.Config
	Pipeline *ingest.Pipeline
	Embedder TextEmbedder
	Store    ingest.Store
	Projects ProjectStore
	Backfill BackfillStore
	Logger   *slog.Logger
}

type Activities struct {
	cfg      config.Config
	pipeline *ingest.Pipeline
	embedder TextEmbedder
	store    ingest.Store
	projects ProjectStore
	backfill BackfillStore
	log      *slog.Logger

	descMu    sync.Mutex
	descCache map[string][][]float32
}

func New(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) (*Activities, error) {
	kb := storage.NewKnowledgeBase(db)
	comps, err := app.Build(ctx, cfg, kb, storage.NewModelCallRepo(db), logger)
	if err != nil {
		return nil, err
	}
	return NewWithDeps(Deps{
		Config:   cfg,
		Pipeline: comps.Pipeline,
		Embedder: comps.Engine,
		Store:    kb,
		Projects: storage.NewProjectRepo(db),
		Backfill: kb,
		Logger:   logger,
	}), nil
}

func NewWithDeps(d Deps) *Activities {
	if d.Logger == nil {
		d.Logger = util.DiscardLogger()
	}
	return &Activities{
		cfg:       d.Config,
		pipeline:  d.Pipeline,
		embedder:  d.Embedder,
		store:     d.Store,
		projects:  d.Projects,
		backfill:  d.Backfill,
		log:       d.Logger,
		descCache: make(map[string][][]float32),
	}
}

// workItem is the per-paper state handed between step activities on disk, so that
// full text, images and vectors never travel through workflow history.
type workItem struct {
	Project  string       `json:"project"`
	Depth    int          `json:"depth"`
	LocalPDF string       `json:"local_pdf,omitempty"`
	Paper    models.Paper `json:"paper"`
}

func (a *Activities) workPath(project string, id models.Identity) string {
	return filepath.Join(a.cfg.DataOutRoot, util.SafeName(project), "work", util.SafeName(string(id.Source))+"_"+util.SafeName(id.SourceID)+".json")
}

func loadWork(path string) (workItem, error) {
	var w workItem
	b, err := os.ReadFile(path)
	if err != nil {
		return w, util.NewError(util.KindValidation, "load work item", err)
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return w, util.NewError(util.KindValidation, "decode work item "+path, err)
	}
	return w, nil
}

func saveWork(path string, w workItem) error {
	if err := util.WriteJSONAtomic(path, w); err != nil {
		return fmt.Errorf("save work item: %w", err)
	}
	return nil
}

// activityErr turns a classified error into an ApplicationError whose type is the kind,
// so retry policy and workflows can branch on it.
func activityErr(err error) error {
	if err == nil {
		return nil
	}
	kind := util.KindOf(err)
	if kind == "" {
		return err
	}
	if util.Retryable(kind) {
		return temporal.NewApplicationErrorWithCause(err.Error(), string(kind), err)
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), string(kind), err)
}

func (a *Activities) ResolveProjectActivity(ctx context.Context, in ResolveProjectInput) (ResolveProjectOutput, error) {
	p, err := a.projects.GetOrCreateProject(ctx, in.Name, in.Description)
	if err != nil {
		return ResolveProjectOutput{}, activityErr(err)
	}
	return ResolveProjectOutput{ProjectID: p.ID, Name: p.Name, Description: p.Description}, nil
}

// ResolveMetadataActivity resolves one reference and starts its work item. Skips and
// permanent resolution failures are returned as statuses; only retryable failures
// come back as errors.
func (a *Activities) ResolveMetadataActivity(ctx context.Context, in ResolveMetadataInput) (ResolveMetadataOutput, error) {
	ref, err := models.ParseRef(in.Ref)
	if err != nil {
		return ResolveMetadataOutput{Status: StatusFailed, Kind: string(util.KindValidation), Reason: err.Error()}, nil
	}
	meta, err := a.pipeline.Resolve(ctx, ref)
	if err != nil {
		kind := util.KindOf(err)
		switch {
		case kind == util.KindMetadataShape:
			return ResolveMetadataOutput{Status: StatusSkipped, Kind: string(kind), Reason: err.Error()}, nil
		case kind != "" && !util.Retryable(kind):
			return ResolveMetadataOutput{Status: StatusFailed, Kind: string(kind), Reason: err.Error()}, nil
		}
		return ResolveMetadataOutput{}, activityErr(err)
	}

	out := ResolveMetadataOutput{
		Status:   StatusResolved,
		Source:   string(meta.Source),
		SourceID: meta.SourceID,
		Keys:     ingest.IdentityKeys(meta),
		WorkPath: a.workPath(in.Project, meta.Identity()),
	}
	id, found, err := a.store.FindPaper(ctx, meta.Identity())
	if err != nil {
		return ResolveMetadataOutput{}, activityErr(err)
	}
	if found {
		// Stored papers keep a metadata-only work item so their edges can still be walked.
		out.Status = StatusExists
		out.PaperID = id
	}
	if err := saveWork(out.WorkPath, workItem{Project: in.Project, Depth: in.Depth, Paper: models.Paper{Metadata: meta}}); err != nil {
		return ResolveMetadataOutput{}, err
	}
	return out, nil
}

func stepOutput(w workItem) PaperStepOutput {
	return PaperStepOutput{
		Downloaded:      w.Paper.Downloaded,
		DecomposeStatus: w.Paper.DecomposeStatus,
		Figures:         len(w.Paper.Figures),
		Tables:          len(w.Paper.Tables),
		Chunks:          len(w.Paper.Chunks),
		NeedsEmbedding:  w.Paper.NeedsEmbedding,
		Notes:           w.Paper.Notes,
	}
}

// step loads the work item, applies fn and saves it back.
func (a *Activities) step(path string, fn func(w *workItem) error) (PaperStepOutput, error) {
	w, err := loadWork(path)
	if err != nil {
		return PaperStepOutput{}, activityErr(err)
	}
	if err := fn(&w); err != nil {
		return PaperStepOutput{}, activityErr(err)
	}
	if err := saveWork(path, w); err != nil {
		return PaperStepOutput{}, err
	}
	return stepOutput(w), nil
}

func (a *Activities) AcquirePDFActivity(ctx context.Context, in PaperStepInput) (PaperStepOutput, error) {
	return a.step(in.WorkPath, func(w *workItem) error {
		local, err := a.pipeline.Acquire(ctx, &w.Paper)
		w.LocalPDF = local
		return err
	})
}

func (a *Activities) DecomposePDFActivity(ctx context.Context, in PaperStepInput) (PaperStepOutput, error) {
	return a.step(in.WorkPath, func(w *workItem) error {
		return a.pipeline.Decompose(ctx, &w.Paper, w.LocalPDF)
	})
}

func (a *Activities) InterpretImagesActivity(ctx context.Context, in PaperStepInput) (PaperStepOutput, error) {
	return a.step(in.WorkPath, func(w *workItem) error {
		return a.pipeline.Interpret(ctx, &w.Paper)
	})
}

// EmbedPaperActivity embeds the paper and, when a project description is given,
// scores its abstract against it.
func (a *Activities) EmbedPaperActivity(ctx context.Context, in EmbedPaperInput) (PaperStepOutput, error) {
	return a.step(in.WorkPath, func(w *workItem) error {
		if err := a.pipeline.Embed(ctx, &w.Paper); err != nil {
			return err
		}
		return a.pipeline.Score(ctx, a.descriptionVectors(ctx, in.Description), &w.Paper)
	})
}

func (a *Activities) descriptionVectors(ctx context.Context, description string) [][]float32 {
	if description == "" {
		return nil
	}
	a.descMu.Lock()
	vecs, ok := a.descCache[description]
	a.descMu.Unlock()
	if ok {
		return vecs
	}
	vecs = a.pipeline.DescriptionVectors(ctx, description)
	if vecs != nil {
		a.descMu.Lock()
		a.descCache[description] = vecs
		a.descMu.Unlock()
	}
	return vecs
}

func (a *Activities) PersistPaperActivity(ctx context.Context, in PersistPaperInput) (PersistPaperOutput, error) {
	w, err := loadWork(in.WorkPath)
	if err != nil {
		return PersistPaperOutput{}, activityErr(err)
	}
	saved, err := a.pipeline.Persist(ctx, in.ProjectID, &w.Paper)
	if err != nil {
		a.log.Error("paper not persisted", "work", in.WorkPath, "kind", util.KindOf(err), "err", err)
		return PersistPaperOutput{}, activityErr(err)
	}
	out := PersistPaperOutput{PaperID: saved.PaperID, Inserted: saved.Inserted, Relevance: w.Paper.Relevance, Notes: w.Paper.Notes}
	if !saved.Inserted {
		out.Notes = append(out.Notes, "already stored")
	}
	a.log.Info("paper ingested", "source", w.Paper.Metadata.Source, "source_id", w.Paper.Metadata.SourceID, "paper_id", saved.PaperID,
		"downloaded", w.Paper.Downloaded, "figures", len(w.Paper.Figures), "tables", len(w.Paper.Tables), "chunks", len(w.Paper.Chunks))
	return out, nil
}

// ExpandCitationsActivity lists the citation edges of a persisted paper. Listing
// failures are reported, not returned.
func (a *Activities) ExpandCitationsActivity(ctx context.Context, in ExpandCitationsInput) (ExpandCitationsOutput, error) {
	w, err := loadWork(in.WorkPath)
	if err != nil {
		return ExpandCitationsOutput{}, activityErr(err)
	}
	edges, report, err := a.pipeline.Expand(ctx, w.Paper.Metadata)
	if err != nil {
		return ExpandCitationsOutput{}, err
	}
	return ExpandCitationsOutput{Edges: edges, Failures: report.FailureReason}, nil
}

// LinkEdgesActivity records edges whose target is stored. Targets that never made it
// into the store are counted as unresolved.
func (a *Activities) LinkEdgesActivity(ctx context.Context, in LinkEdgesInput) (LinkEdgesOutput, error) {
	var out LinkEdgesOutput
	var errs []error
	for _, l := range in.Links {
		to := l.To
		if to == 0 {
			id, found, err := a.store.FindByRef(ctx, l.Target)
			if err != nil {
				return out, activityErr(err)
			}
			if !found {
				out.Unresolved++
				continue
			}
			to = id
		}
		added, err := a.store.LinkEdge(ctx, l.Kind, l.From, to)
		if err != nil {
			if util.Retryable(util.KindOf(err)) || util.KindOf(err) == "" {
				return out, activityErr(err)
			}
			errs = append(errs, err)
			continue
		}
		if added {
			out.Linked++
		} else {
			out.Existing++
		}
	}
	if len(errs) > 0 {
		a.log.Warn("edges not linked", "count", len(errs), "err", errors.Join(errs...))
	}
	return out, nil
}

func (a *Activities) WriteRunSummaryActivity(ctx context.Context, in WriteRunSummaryInput) (WriteRunSummaryOutput, error) {
	_ = ctx
	path := filepath.Join(a.cfg.DataOutRoot, util.SafeName(in.Project), "runs", in.Summary.RunID, "summary.json")
	if err := util.WriteJSONAtomic(path, in.Summary); err != nil {
		return WriteRunSummaryOutput{}, err
	}
	return WriteRunSummaryOutput{Path: path}, nil
}

func (a *Activities) ListNeedsEmbeddingActivity(ctx context.Context, in ListNeedsEmbeddingInput) (ListNeedsEmbeddingOutput, error) {
	pending, err := a.backfill.ListNeedsEmbedding(ctx, in.ProjectID, in.Limit)
	if err != nil {
		return ListNeedsEmbeddingOutput{}, activityErr(err)
	}
	out := ListNeedsEmbeddingOutput{Papers: make([]PendingPaper, 0, len(pending))}
	for _, p := range pending {
		out.Papers = append(out.Papers, PendingPaper{PaperID: p.ID, Abstract: p.Abstract, HasAbstractEmbedding: p.HasAbstractEmbedding})
	}
	return out, nil
}

// BackfillPaperActivity embeds whatever text of a flagged paper still lacks a vector.
// The flag is cleared only when nothing failed.
func (a *Activities) BackfillPaperActivity(ctx context.Context, in BackfillPaperInput) (BackfillPaperOutput, error) {
	var out BackfillPaperOutput
	p := in.Paper
	embed := func(op, text string) ([]float32, bool, error) {
		vec, err := a.embedder.EmbedOne(ctx, op, text)
		if err == nil {
			return vec, true, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		out.Failed++
		a.log.Warn("backfill embedding failed", "paper_id", p.PaperID, "op", op, "err", err)
		return nil, false, nil
	}

	if !p.HasAbstractEmbedding && p.Abstract != "" {
		vec, ok, err := embed("abstract", p.Abstract)
		if err != nil {
			return out, err
		}
		if ok {
			if err := a.backfill.UpdateAbstractEmbedding(ctx, p.PaperID, vec); err != nil {
				return out, activityErr(err)
			}
			out.Embedded++
		}
	}

	texts, err := a.backfill.ListUnembeddedChunks(ctx, p.PaperID)
	if err != nil {
		return out, activityErr(err)
	}
	for _, t := range texts {
		vec, ok, err := embed(t.Table, t.Text)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		if err := a.backfill.UpdateChunkEmbedding(ctx, t, vec); err != nil {
			return out, activityErr(err)
		}
		out.Embedded++
	}

	if out.Failed == 0 {
		if err := a.backfill.ClearNeedsEmbedding(ctx, p.PaperID); err != nil {
			return out, activityErr(err)
		}
		out.Cleared = true
	}
	return out, nil
}
