package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"litingest/internal/models"
	"litingest/internal/util"
)

type RunnerOptions struct {
	Workers int
	// MaxDepth bounds citation expansion; roots are depth 0.
	MaxDepth int
	// MaxPapers caps the references admitted to one run; 0 means no cap.
	MaxPapers int
	Logger    *slog.Logger
}

// Runner ingests a citation closure with a bounded pool of workers. One dispatcher
// owns the queue; workers share only the visited set.
type Runner struct {
	pipeline  *Pipeline
	workers   int
	maxDepth  int
	maxPapers int
	log       *slog.Logger
}

func NewRunner(p *Pipeline, opts RunnerOptions) *Runner {
	r := &Runner{pipeline: p, workers: opts.Workers, maxDepth: opts.MaxDepth, maxPapers: opts.MaxPapers, log: opts.Logger}
	if r.workers <= 0 {
		r.workers = 4
	}
	if r.maxDepth < 0 {
		r.maxDepth = 0
	}
	if r.log == nil {
		r.log = util.DiscardLogger()
	}
	return r
}

type job struct {
	ref   models.ExternalRef
	depth int
	node  *node
}

type result struct {
	outcome  models.ItemOutcome
	children []job
	hard     error
}

// node is one paper of the run. claimed is set once its identity is known; paperID
// stays 0 until the paper is persisted.
type node struct {
	claimed bool
	paperID int64
}

type pendingEdge struct {
	from   int64
	kind   models.EdgeKind
	target models.ExternalRef
}

type runState struct {
	mu       sync.Mutex
	visited  map[string]*node
	admitted int
	deferred []pendingEdge
}

// admit marks ref as visited and returns its node. It returns nil when ref was already
// seen or the run is full.
func (s *runState) admit(ref models.ExternalRef, maxPapers int) *node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.visited[ref.Key()]; ok {
		return nil
	}
	if maxPapers > 0 && s.admitted >= maxPapers {
		return nil
	}
	n := &node{}
	s.visited[ref.Key()] = n
	s.admitted++
	return n
}

// IdentityKeys lists every key under which a resolved paper is tracked in a run.
func IdentityKeys(meta models.CanonicalMetadata) []string {
	keys := []string{meta.Identity().Key()}
	if meta.OpenAlexID != "" {
		keys = append(keys, models.ExternalRef{Type: models.IDOpenAlex, ID: meta.OpenAlexID}.Key())
	}
	if meta.DOI != "" {
		keys = append(keys, models.ExternalRef{Type: models.IDDOI, ID: strings.ToLower(meta.DOI)}.Key())
	}
	return keys
}

// claim binds every identity key of meta to own. It returns false when another
// reference of this run already claimed one of them; ref then aliases that node.
func (s *runState) claim(own *node, ref models.ExternalRef, meta models.CanonicalMetadata) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := IdentityKeys(meta)
	for _, k := range keys {
		if other, ok := s.visited[k]; ok && other != own && other.claimed {
			s.visited[ref.Key()] = other
			return false
		}
	}
	own.claimed = true
	for _, k := range keys {
		s.visited[k] = own
	}
	return true
}

func (s *runState) setPaperID(n *node, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.paperID = id
}

// route files the edges of a persisted paper: known targets are returned for linking
// now, new targets become child jobs, and everything else waits for the drain.
func (s *runState) route(from int64, depth, maxDepth, maxPapers int, edges []models.Edge) (now []pendingEdge, nowIDs []int64, children []job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		pe := pendingEdge{from: from, kind: e.Kind, target: e.Target}
		if n, ok := s.visited[e.Target.Key()]; ok {
			if n.paperID != 0 {
				now = append(now, pe)
				nowIDs = append(nowIDs, n.paperID)
			} else {
				s.deferred = append(s.deferred, pe)
			}
			continue
		}
		s.deferred = append(s.deferred, pe)
		if depth+1 > maxDepth || (maxPapers > 0 && s.admitted >= maxPapers) {
			continue
		}
		n := &node{}
		s.visited[e.Target.Key()] = n
		s.admitted++
		children = append(children, job{ref: e.Target, depth: depth + 1, node: n})
	}
	return now, nowIDs, children
}

// Supported reports whether a reference of type t can seed a run.
func Supported(t models.IDType) bool {
	switch t {
	case models.IDPubMed, models.IDArXiv, models.IDOpenAlex, models.IDDOI, models.IDPMCID:
		return true
	}
	return false
}

// Run ingests roots and their citation closure into project. The returned error joins
// the hard failures; per-paper skips and soft failures only appear in the summary.
func (r *Runner) Run(ctx context.Context, project models.Project, roots []models.ExternalRef) (models.RunSummary, error) {
	summary := models.RunSummary{RunID: uuid.NewString(), Project: project.Name, StartedAt: time.Now().UTC()}
	for _, ref := range roots {
		if !Supported(ref.Type) {
			return summary, util.Errorf(util.KindUnsupportedSource, "run "+project.Name, "unsupported id type %q in %s", ref.Type, ref.Key())
		}
	}

	state := &runState{visited: make(map[string]*node)}
	var queue []job
	for _, ref := range roots {
		if n := state.admit(ref, r.maxPapers); n != nil {
			queue = append(queue, job{ref: ref, node: n})
		}
	}

	descVecs := r.pipeline.DescriptionVectors(ctx, project.Description)
	log := r.log.With("run_id", summary.RunID, "project", project.Name)
	log.Info("run started", "roots", len(queue), "workers", r.workers, "max_depth", r.maxDepth, "max_papers", r.maxPapers)

	jobs := make(chan job)
	results := make(chan result)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				res := r.process(gctx, project.ID, j, descVecs, state)
				select {
				case results <- res:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	var hard []error
	g.Go(func() error {
		defer close(jobs)
		inflight := 0
		for len(queue) > 0 || inflight > 0 {
			var send chan<- job
			var next job
			if len(queue) > 0 {
				send = jobs
				next = queue[0]
			}
			select {
			case send <- next:
				queue = queue[1:]
				inflight++
			case res := <-results:
				inflight--
				summary.Add(res.outcome)
				if res.hard != nil {
					hard = append(hard, res.hard)
				}
				queue = append(queue, res.children...)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		summary.FinishedAt = time.Now().UTC()
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		summary.FinishedAt = time.Now().UTC()
		return summary, err
	}

	if err := r.linkDeferred(ctx, state); err != nil {
		hard = append(hard, err)
	}
	summary.FinishedAt = time.Now().UTC()
	log.Info("run finished", "succeeded", len(summary.Succeeded), "skipped", len(summary.Skipped), "failed", len(summary.Failed), "hard_failures", len(hard))
	return summary, errors.Join(hard...)
}

func (r *Runner) process(ctx context.Context, projectID int64, j job, descVecs [][]float32, state *runState) result {
	res, err := r.pipeline.IngestPaper(ctx, PaperJob{
		ProjectID: projectID,
		Ref:       j.ref,
		Depth:     j.depth,
		DescVecs:  descVecs,
		Claim: func(meta models.CanonicalMetadata) bool {
			return state.claim(j.node, j.ref, meta)
		},
	})
	out := result{outcome: res.Outcome}
	if err != nil {
		if !isCancel(err) {
			out.hard = fmt.Errorf("%s: %w", j.ref.Key(), err)
		}
		return out
	}
	if res.Outcome.Status != models.StatusSucceeded || res.Outcome.PaperID == 0 {
		return out
	}
	state.setPaperID(j.node, res.Outcome.PaperID)
	if j.depth >= r.maxDepth {
		return out
	}

	edges, report, err := r.pipeline.Expand(ctx, res.Meta)
	if err != nil {
		return out
	}
	out.outcome.Notes = append(out.outcome.Notes, report.FailureReason...)
	now, ids, children := state.route(res.Outcome.PaperID, j.depth, r.maxDepth, r.maxPapers, edges)
	for i, pe := range now {
		if _, err := r.pipeline.store.LinkEdge(ctx, pe.kind, pe.from, ids[i]); err != nil && !isCancel(err) {
			out.hard = errors.Join(out.hard, fmt.Errorf("link %s %s: %w", pe.kind, pe.target.Key(), err))
		}
	}
	out.children = children
	return out
}

// linkDeferred links edges whose target was in flight or outside the run, once every
// paper of the run is persisted. Targets unknown to the store are dropped.
func (r *Runner) linkDeferred(ctx context.Context, state *runState) error {
	state.mu.Lock()
	deferred := state.deferred
	state.deferred = nil
	ids := make([]int64, len(deferred))
	for i, pe := range deferred {
		if n := state.visited[pe.target.Key()]; n != nil {
			ids[i] = n.paperID
		}
	}
	state.mu.Unlock()

	var errs []error
	linked := 0
	for i, pe := range deferred {
		to := ids[i]
		if to == 0 {
			id, found, err := r.pipeline.store.FindByRef(ctx, pe.target)
			if err != nil {
				if isCancel(err) {
					return err
				}
				errs = append(errs, err)
				continue
			}
			if !found {
				continue
			}
			to = id
		}
		added, err := r.pipeline.store.LinkEdge(ctx, pe.kind, pe.from, to)
		if err != nil {
			if isCancel(err) {
				return err
			}
			errs = append(errs, fmt.Errorf("link %s %s: %w", pe.kind, pe.target.Key(), err))
			continue
		}
		if added {
			linked++
		}
	}
	r.log.Debug("deferred edges linked", "pending", len(deferred), "linked", linked)
	return errors.Join(errs...)
}
