package workflows

import (
	"litingest/internal/activities"
	"litingest/internal/models"
)

type CitationClosureInput struct {
	Project               string   `json:"project"`
	Description           string   `json:"description,omitempty"`
	Roots                 []string `json:"roots"`
	MaxDepth              int      `json:"max_depth"`
	MaxPapers             int      `json:"max_papers,omitempty"`
	MaxConcurrentChildren int      `json:"max_concurrent_children"`
}

type PaperIngestInput struct {
	ProjectID   int64  `json:"project_id"`
	Project     string `json:"project"`
	Description string `json:"description,omitempty"`
	Ref         string `json:"ref"`
	Depth       int    `json:"depth"`
	// Expand asks for the paper's citation edges once it is stored.
	Expand bool `json:"expand"`
	// Resolved skips resolution when the caller already resolved Ref.
	Resolved *activities.ResolveMetadataOutput `json:"resolved,omitempty"`
}

type PaperIngestResult struct {
	Outcome models.ItemOutcome `json:"outcome"`
	Keys    []string           `json:"keys,omitempty"`
	Edges   []models.Edge      `json:"edges,omitempty"`
}

type PaperStatus struct {
	Ref         string            `json:"ref"`
	PaperID     int64             `json:"paper_id,omitempty"`
	CurrentStep string            `json:"current_step"`
	Status      string            `json:"status"`
	FailReason  string            `json:"fail_reason,omitempty"`
	Steps       map[string]string `json:"steps"`
}

type ClosureProgress struct {
	Project       string            `json:"project"`
	Admitted      int               `json:"admitted"`
	Done          int               `json:"done"`
	Succeeded     int               `json:"succeeded"`
	Skipped       int               `json:"skipped"`
	Failed        int               `json:"failed"`
	Depth         int               `json:"depth"`
	PerPaper      map[string]string `json:"per_paper_status"`
	ChildWorkflow map[string]string `json:"child_workflow_ids,omitempty"`
	SummaryPath   string            `json:"summary_path,omitempty"`
}

type EmbeddingBackfillInput struct {
	Project   string `json:"project"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type EmbeddingBackfillResult struct {
	Papers   int `json:"papers"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
	Cleared  int `json:"cleared"`
}
