package workflows

import (
	"errors"
	"fmt"
	"strings"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"litingest/internal/activities"
	"litingest/internal/ingest"
	"litingest/internal/models"
	"litingest/internal/util"
)

const (
	QueryGetPaperStatus = "GetPaperStatus"
	QueryGetProgress    = "GetProgress"
)

const linkBatchSize = 200

func resolveOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    20 * time.Second,
			MaximumAttempts:    3,
		},
	}
}

func stepOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    20 * time.Second,
			MaximumAttempts:    2,
		},
	}
}

// PaperIngestWorkflow takes one reference through acquisition, decomposition,
// interpretation, embedding and persistence. Per-paper failures are reported in the
// result; the workflow itself only fails on cancellation.
func PaperIngestWorkflow(ctx workflow.Context, input PaperIngestInput) (PaperIngestResult, error) {
	status := PaperStatus{
		Ref:         input.Ref,
		CurrentStep: "init",
		Status:      "processing",
		Steps:       map[string]string{},
	}
	if err := workflow.SetQueryHandler(ctx, QueryGetPaperStatus, func() (PaperStatus, error) {
		return status, nil
	}); err != nil {
		return PaperIngestResult{}, err
	}

	res := PaperIngestResult{Outcome: models.ItemOutcome{Depth: input.Depth}}
	if ref, err := models.ParseRef(input.Ref); err == nil {
		res.Outcome.Ref = ref
	}
	finish := func(s models.ItemStatus, kind, reason string) (PaperIngestResult, error) {
		res.Outcome.Status = s
		res.Outcome.Kind = kind
		res.Outcome.Reason = reason
		status.Status = string(s)
		status.FailReason = reason
		status.CurrentStep = "done"
		return res, nil
	}
	failed := func(err error) (PaperIngestResult, error) {
		if temporal.IsCanceledError(err) {
			return res, err
		}
		return finish(models.StatusFailed, errorKind(err), err.Error())
	}

	resolved := input.Resolved
	if resolved == nil {
		var out activities.ResolveMetadataOutput
		rctx := workflow.WithActivityOptions(ctx, resolveOptions())
		if err := runStep(rctx, &status, "resolve", "ResolveMetadataActivity", activities.ResolveMetadataInput{
			Project: input.Project,
			Ref:     input.Ref,
			Depth:   input.Depth,
		}, &out); err != nil {
			return failed(err)
		}
		resolved = &out
	}
	res.Keys = resolved.Keys
	res.Outcome.Source = models.Source(resolved.Source)
	res.Outcome.SourceID = resolved.SourceID
	switch resolved.Status {
	case activities.StatusSkipped:
		return finish(models.StatusSkipped, resolved.Kind, resolved.Reason)
	case activities.StatusFailed:
		return finish(models.StatusFailed, resolved.Kind, resolved.Reason)
	}

	ctx = workflow.WithActivityOptions(ctx, stepOptions())
	work := activities.PaperStepInput{WorkPath: resolved.WorkPath}
	if resolved.Status == activities.StatusExists {
		res.Outcome.PaperID = resolved.PaperID
		res.Outcome.Notes = []string{"already stored"}
	} else {
		var stepOut activities.PaperStepOutput
		for _, s := range []struct {
			name     string
			activity string
			in       any
		}{
			{"acquire_pdf", "AcquirePDFActivity", work},
			{"decompose_pdf", "DecomposePDFActivity", work},
			{"interpret_images", "InterpretImagesActivity", work},
			{"embed", "EmbedPaperActivity", activities.EmbedPaperInput{WorkPath: resolved.WorkPath, Description: input.Description}},
		} {
			if err := runStep(ctx, &status, s.name, s.activity, s.in, &stepOut); err != nil {
				return failed(err)
			}
		}

		var saved activities.PersistPaperOutput
		if err := runStep(ctx, &status, "persist", "PersistPaperActivity", activities.PersistPaperInput{
			ProjectID: input.ProjectID,
			WorkPath:  resolved.WorkPath,
		}, &saved); err != nil {
			return failed(err)
		}
		res.Outcome.PaperID = saved.PaperID
		res.Outcome.Relevance = saved.Relevance
		res.Outcome.Notes = saved.Notes
	}
	status.PaperID = res.Outcome.PaperID

	if input.Expand {
		var expanded activities.ExpandCitationsOutput
		if err := runStep(ctx, &status, "expand_citations", "ExpandCitationsActivity", activities.ExpandCitationsInput{WorkPath: resolved.WorkPath}, &expanded); err != nil {
			if temporal.IsCanceledError(err) {
				return res, err
			}
			res.Outcome.Notes = append(res.Outcome.Notes, "citations not expanded: "+err.Error())
		} else {
			res.Edges = expanded.Edges
			res.Outcome.Notes = append(res.Outcome.Notes, expanded.Failures...)
		}
	}
	return finish(models.StatusSucceeded, "", "")
}

func runStep(ctx workflow.Context, status *PaperStatus, step, activity string, in any, out any) error {
	status.CurrentStep = step
	status.Steps[step] = "processing"
	if err := workflow.ExecuteActivity(ctx, activity, in).Get(ctx, out); err != nil {
		status.Steps[step] = "failed"
		return err
	}
	status.Steps[step] = "done"
	return nil
}

// closureNode is one paper of a closure run; claimed is set once its identity is
// known and paperID once it is stored.
type closureNode struct {
	claimed bool
	paperID int64
}

type queued struct {
	ref   models.ExternalRef
	depth int
	node  *closureNode
}

// CitationClosureWorkflow ingests the roots and everything reachable from them along
// citation edges, up to MaxDepth hops and MaxPapers papers. Each reference is ingested
// at most once per run; edges are linked after every paper is stored. Integrity and
// store failures fail the run after the summary is written.
func CitationClosureWorkflow(ctx workflow.Context, input CitationClosureInput) (models.RunSummary, error) {
	summary := models.RunSummary{
		RunID:     workflow.GetInfo(ctx).WorkflowExecution.RunID,
		Project:   input.Project,
		StartedAt: workflow.Now(ctx),
	}
	progress := ClosureProgress{
		Project:       input.Project,
		PerPaper:      map[string]string{},
		ChildWorkflow: map[string]string{},
	}
	if err := workflow.SetQueryHandler(ctx, QueryGetProgress, func() (ClosureProgress, error) {
		return progress, nil
	}); err != nil {
		return summary, err
	}
	logger := workflow.GetLogger(ctx)

	roots := make([]models.ExternalRef, 0, len(input.Roots))
	for _, raw := range input.Roots {
		ref, err := models.ParseRef(raw)
		if err != nil {
			return summary, temporal.NewNonRetryableApplicationError(err.Error(), string(util.KindValidation), err)
		}
		if !ingest.Supported(ref.Type) {
			msg := fmt.Sprintf("unsupported id type %q in %s", ref.Type, ref.Key())
			return summary, temporal.NewNonRetryableApplicationError(msg, string(util.KindUnsupportedSource), nil)
		}
		roots = append(roots, ref)
	}

	ctx = workflow.WithActivityOptions(ctx, resolveOptions())
	var project activities.ResolveProjectOutput
	if err := workflow.ExecuteActivity(ctx, "ResolveProjectActivity", activities.ResolveProjectInput{
		Name:        input.Project,
		Description: input.Description,
	}).Get(ctx, &project); err != nil {
		return summary, err
	}

	maxChildren := input.MaxConcurrentChildren
	if maxChildren <= 0 {
		maxChildren = 3
	}
	maxDepth := input.MaxDepth
	if maxDepth < 0 {
		maxDepth = 0
	}

	visited := map[string]*closureNode{}
	admit := func(ref models.ExternalRef) *closureNode {
		if _, ok := visited[ref.Key()]; ok {
			return nil
		}
		if input.MaxPapers > 0 && progress.Admitted >= input.MaxPapers {
			return nil
		}
		n := &closureNode{}
		visited[ref.Key()] = n
		progress.Admitted++
		progress.PerPaper[ref.Key()] = "queued"
		return n
	}
	// claim binds every identity key to own, or returns the node that already owns one.
	claim := func(own *closureNode, ref models.ExternalRef, keys []string) *closureNode {
		for _, k := range keys {
			if other, ok := visited[k]; ok && other != own && other.claimed {
				visited[ref.Key()] = other
				return other
			}
		}
		own.claimed = true
		for _, k := range keys {
			visited[k] = own
		}
		return nil
	}
	record := func(o models.ItemOutcome) {
		summary.Add(o)
		progress.Done++
		progress.PerPaper[o.Ref.Key()] = string(o.Status)
		switch o.Status {
		case models.StatusSucceeded:
			progress.Succeeded++
		case models.StatusSkipped:
			progress.Skipped++
		default:
			progress.Failed++
		}
	}

	var queue []queued
	for _, ref := range roots {
		if n := admit(ref); n != nil {
			queue = append(queue, queued{ref: ref, node: n})
		}
	}

	var links []activities.EdgeLink
	var hard []models.ItemOutcome
	for len(queue) > 0 {
		end := maxChildren
		if end > len(queue) {
			end = len(queue)
		}
		batch := queue[:end]
		queue = queue[end:]
		progress.Depth = batch[0].depth

		resolving := make([]workflow.Future, len(batch))
		for i, q := range batch {
			progress.PerPaper[q.ref.Key()] = "resolving"
			resolving[i] = workflow.ExecuteActivity(ctx, "ResolveMetadataActivity", activities.ResolveMetadataInput{
				Project: project.Name,
				Ref:     q.ref.Key(),
				Depth:   q.depth,
			})
		}

		var started []queued
		var futures []workflow.ChildWorkflowFuture
		for i, f := range resolving {
			q := batch[i]
			base := models.ItemOutcome{Ref: q.ref, Depth: q.depth}
			var out activities.ResolveMetadataOutput
			if err := f.Get(ctx, &out); err != nil {
				if temporal.IsCanceledError(err) {
					return summary, err
				}
				base.Status, base.Kind, base.Reason = models.StatusFailed, errorKind(err), err.Error()
				record(base)
				continue
			}
			base.Source, base.SourceID = models.Source(out.Source), out.SourceID
			switch out.Status {
			case activities.StatusSkipped:
				base.Status, base.Kind, base.Reason = models.StatusSkipped, out.Kind, out.Reason
				record(base)
				continue
			case activities.StatusFailed:
				base.Status, base.Kind, base.Reason = models.StatusFailed, out.Kind, out.Reason
				record(base)
				continue
			}
			if other := claim(q.node, q.ref, out.Keys); other != nil {
				base.Status = models.StatusSkipped
				base.Reason = "duplicate of " + out.Source + ":" + out.SourceID + " in this run"
				record(base)
				continue
			}

			resolved := out
			workflowID := "paper-" + sanitizeID(project.Name) + "-" + sanitizeID(out.Source+"-"+out.SourceID)
			childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
				WorkflowID:            workflowID,
				WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
				ParentClosePolicy:     enumspb.PARENT_CLOSE_POLICY_REQUEST_CANCEL,
			})
			futures = append(futures, workflow.ExecuteChildWorkflow(childCtx, PaperIngestWorkflow, PaperIngestInput{
				ProjectID:   project.ProjectID,
				Project:     project.Name,
				Description: project.Description,
				Ref:         q.ref.Key(),
				Depth:       q.depth,
				Expand:      q.depth < maxDepth,
				Resolved:    &resolved,
			}))
			started = append(started, q)
			progress.PerPaper[q.ref.Key()] = "processing"
			progress.ChildWorkflow[q.ref.Key()] = workflowID
		}

		for i, f := range futures {
			q := started[i]
			var r PaperIngestResult
			if err := f.Get(ctx, &r); err != nil {
				if temporal.IsCanceledError(err) {
					return summary, err
				}
				o := models.ItemOutcome{Ref: q.ref, Depth: q.depth, Status: models.StatusFailed, Kind: errorKind(err), Reason: err.Error()}
				record(o)
				if util.Hard(util.Kind(o.Kind)) {
					hard = append(hard, o)
				}
				continue
			}
			r.Outcome.Ref = q.ref
			record(r.Outcome)
			if r.Outcome.Status == models.StatusFailed && util.Hard(util.Kind(r.Outcome.Kind)) {
				hard = append(hard, r.Outcome)
			}
			if r.Outcome.Status != models.StatusSucceeded || r.Outcome.PaperID == 0 {
				continue
			}
			q.node.paperID = r.Outcome.PaperID
			for _, e := range r.Edges {
				links = append(links, activities.EdgeLink{From: r.Outcome.PaperID, Kind: e.Kind, Target: e.Target})
				if q.depth+1 > maxDepth {
					continue
				}
				if n := admit(e.Target); n != nil {
					queue = append(queue, queued{ref: e.Target, depth: q.depth + 1, node: n})
				}
			}
		}
	}

	for i := range links {
		if n := visited[links[i].Target.Key()]; n != nil && n.paperID != 0 {
			links[i].To = n.paperID
		}
	}
	var linked activities.LinkEdgesOutput
	for i := 0; i < len(links); i += linkBatchSize {
		end := i + linkBatchSize
		if end > len(links) {
			end = len(links)
		}
		var out activities.LinkEdgesOutput
		if err := workflow.ExecuteActivity(ctx, "LinkEdgesActivity", activities.LinkEdgesInput{Links: links[i:end]}).Get(ctx, &out); err != nil {
			if temporal.IsCanceledError(err) {
				return summary, err
			}
			logger.Warn("edge batch not linked", "from", i, "to", end, "error", err)
			continue
		}
		linked.Linked += out.Linked
		linked.Existing += out.Existing
		linked.Unresolved += out.Unresolved
	}
	logger.Info("citation closure finished", "project", project.Name, "admitted", progress.Admitted,
		"succeeded", progress.Succeeded, "skipped", progress.Skipped, "failed", progress.Failed,
		"edges", len(links), "linked", linked.Linked, "unresolved", linked.Unresolved)

	summary.FinishedAt = workflow.Now(ctx)
	var written activities.WriteRunSummaryOutput
	if err := workflow.ExecuteActivity(ctx, "WriteRunSummaryActivity", activities.WriteRunSummaryInput{
		Project: project.Name,
		Summary: summary,
	}).Get(ctx, &written); err == nil {
		progress.SummaryPath = written.Path
	}
	if len(hard) > 0 {
		return summary, hardFailure(hard)
	}
	return summary, nil
}

// hardFailure reports the papers whose failure breaks store integrity. The error type
// is the kind of the first one; every failure is listed in the message.
func hardFailure(failed []models.ItemOutcome) error {
	parts := make([]string, 0, len(failed))
	for _, o := range failed {
		id := o.Ref.Key()
		if o.Source != "" {
			id = string(o.Source) + ":" + o.SourceID
		}
		parts = append(parts, id+" "+o.Kind)
	}
	msg := fmt.Sprintf("%d hard failures: %s", len(failed), strings.Join(parts, ", "))
	return temporal.NewNonRetryableApplicationError(msg, failed[0].Kind, nil, failed)
}

// EmbeddingBackfillWorkflow embeds the text of papers stored while the embedding
// providers were unavailable. It stops once a pass clears nothing.
func EmbeddingBackfillWorkflow(ctx workflow.Context, input EmbeddingBackfillInput) (EmbeddingBackfillResult, error) {
	var res EmbeddingBackfillResult
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
	var project activities.ResolveProjectOutput
	if err := workflow.ExecuteActivity(ctx, "ResolveProjectActivity", activities.ResolveProjectInput{Name: input.Project}).Get(ctx, &project); err != nil {
		return res, err
	}
	batch := input.BatchSize
	if batch <= 0 {
		batch = 50
	}

	for {
		var pending activities.ListNeedsEmbeddingOutput
		if err := workflow.ExecuteActivity(ctx, "ListNeedsEmbeddingActivity", activities.ListNeedsEmbeddingInput{
			ProjectID: project.ProjectID,
			Limit:     batch,
		}).Get(ctx, &pending); err != nil {
			return res, err
		}
		if len(pending.Papers) == 0 {
			return res, nil
		}
		cleared := 0
		for _, p := range pending.Papers {
			var out activities.BackfillPaperOutput
			err := workflow.ExecuteActivity(ctx, "BackfillPaperActivity", activities.BackfillPaperInput{Paper: p}).Get(ctx, &out)
			res.Papers++
			if err != nil {
				if temporal.IsCanceledError(err) {
					return res, err
				}
				res.Failed++
				continue
			}
			res.Embedded += out.Embedded
			res.Failed += out.Failed
			if out.Cleared {
				cleared++
			}
		}
		res.Cleared += cleared
		if cleared == 0 {
			return res, nil
		}
	}
}

// errorKind recovers the failure kind an activity attached to its error.
func errorKind(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	return ""
}

func sanitizeID(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("_", "-", ".", "-", "/", "-", ":", "-", " ", "-").Replace(s)
	return s
}
