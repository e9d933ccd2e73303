package citation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"litingest/internal/models"
	"litingest/internal/registry"
	"litingest/internal/util"
)

// Lister is the part of the registry client the walker needs.
type Lister interface {
	ListReferences(ctx context.Context, meta models.CanonicalMetadata) ([]models.ExternalRef, error)
	ListRelatedWorks(ctx context.Context, meta models.CanonicalMetadata) ([]models.ExternalRef, error)
	ListCitedBy(ctx context.Context, meta models.CanonicalMetadata, cursor string) (registry.CitedByPage, error)
}

type Options struct {
	Kinds []models.EdgeKind
	// MaxCitedByPages caps cited-by pagination; 0 means no cap.
	MaxCitedByPages int
	Logger          *slog.Logger
}

type Walker struct {
	lister   Lister
	kinds    []models.EdgeKind
	maxPages int
	log      *slog.Logger
}

func New(lister Lister, opts Options) *Walker {
	w := &Walker{lister: lister, kinds: opts.Kinds, maxPages: opts.MaxCitedByPages, log: opts.Logger}
	if len(w.kinds) == 0 {
		w.kinds = []models.EdgeKind{models.EdgeReferences, models.EdgeCitedBy, models.EdgeRelatedWorks}
	}
	if w.log == nil {
		w.log = util.DiscardLogger()
	}
	return w
}

// WalkReport counts what a walk produced. Failures hold CitationResolutionError values
// for edge kinds or pages that could not be listed.
type WalkReport struct {
	Edges         int      `json:"edges"`
	CitedByPages  int      `json:"cited_by_pages"`
	Failures      []error  `json:"-"`
	FailureReason []string `json:"failures,omitempty"`
}

func (r *WalkReport) fail(err error) {
	r.Failures = append(r.Failures, err)
	r.FailureReason = append(r.FailureReason, err.Error())
}

// Walk lists every configured edge kind of meta and hands each edge to emit. A listing
// failure is recorded and the remaining kinds still run. Walk returns an error only on
// cancellation or when emit fails.
func (w *Walker) Walk(ctx context.Context, meta models.CanonicalMetadata, emit func(models.Edge) error) (WalkReport, error) {
	var report WalkReport
	for _, kind := range w.kinds {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		seen := make(map[string]struct{})
		send := func(ref models.ExternalRef) error {
			if _, dup := seen[ref.Key()]; dup {
				return nil
			}
			seen[ref.Key()] = struct{}{}
			report.Edges++
			return emit(models.Edge{Kind: kind, Target: ref})
		}

		var err error
		switch kind {
		case models.EdgeReferences:
			err = w.walkList(ctx, meta, kind, w.lister.ListReferences, send)
		case models.EdgeRelatedWorks:
			err = w.walkList(ctx, meta, kind, w.lister.ListRelatedWorks, send)
		case models.EdgeCitedBy:
			err = w.walkCitedBy(ctx, meta, &report, send)
		default:
			err = util.Errorf(util.KindCitationResolution, "walk "+meta.Identity().Key(), "unknown edge kind %q", kind)
		}
		if err == nil {
			continue
		}
		var stop stopErr
		if errors.As(err, &stop) {
			return report, stop.err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return report, err
		}
		report.fail(err)
		w.log.Warn("citation listing failed", "source", meta.Source, "source_id", meta.SourceID, "kind", kind, "err", err)
	}
	return report, nil
}

// Edges collects every edge of meta.
func (w *Walker) Edges(ctx context.Context, meta models.CanonicalMetadata) ([]models.Edge, WalkReport, error) {
	var edges []models.Edge
	report, err := w.Walk(ctx, meta, func(e models.Edge) error {
		edges = append(edges, e)
		return nil
	})
	return edges, report, err
}

type listFunc func(ctx context.Context, meta models.CanonicalMetadata) ([]models.ExternalRef, error)

func (w *Walker) walkList(ctx context.Context, meta models.CanonicalMetadata, kind models.EdgeKind, list listFunc, send func(models.ExternalRef) error) error {
	refs, err := list(ctx, meta)
	if err != nil {
		return resolutionErr(ctx, fmt.Sprintf("list %s of %s", kind, meta.Identity().Key()), err)
	}
	for _, ref := range refs {
		if err := send(ref); err != nil {
			return stopErr{err}
		}
	}
	return nil
}

// walkCitedBy pages from cursor "*" until a page is empty, the registry returns no
// next cursor, the next cursor repeats the one just used, or the page cap is hit.
func (w *Walker) walkCitedBy(ctx context.Context, meta models.CanonicalMetadata, report *WalkReport, send func(models.ExternalRef) error) error {
	cursor := "*"
	for page := 0; w.maxPages <= 0 || page < w.maxPages; page++ {
		res, err := w.lister.ListCitedBy(ctx, meta, cursor)
		if err != nil {
			return resolutionErr(ctx, fmt.Sprintf("cited-by page %d of %s", page, meta.Identity().Key()), err)
		}
		report.CitedByPages++
		if len(res.Refs) == 0 {
			return nil
		}
		for _, ref := range res.Refs {
			if err := send(ref); err != nil {
				return stopErr{err}
			}
		}
		if res.NextCursor == "" || res.NextCursor == cursor {
			return nil
		}
		cursor = res.NextCursor
	}
	return nil
}

type stopErr struct{ err error }

func (s stopErr) Error() string { return s.err.Error() }
func (s stopErr) Unwrap() error { return s.err }

func resolutionErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return util.NewError(util.KindCitationResolution, op, err)
}
