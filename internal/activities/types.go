package activities

import "litingest/internal/models"

type ResolveProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ResolveProjectOutput struct {
	ProjectID   int64  `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Resolve statuses.
const (
	StatusResolved = "resolved"
	StatusExists   = "exists"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

type ResolveMetadataInput struct {
	Project string `json:"project"`
	Ref     string `json:"ref"`
	Depth   int    `json:"depth"`
}

type ResolveMetadataOutput struct {
	Status   string `json:"status"`
	Kind     string `json:"kind,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Source   string `json:"source,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	PaperID  int64  `json:"paper_id,omitempty"`
	WorkPath string `json:"work_path,omitempty"`
	// Keys are every visited-set key the resolved identity answers to.
	Keys []string `json:"keys,omitempty"`
}

type PaperStepInput struct {
	WorkPath string `json:"work_path"`
}

type PaperStepOutput struct {
	Downloaded      bool     `json:"downloaded"`
	DecomposeStatus string   `json:"decompose_status,omitempty"`
	Figures         int      `json:"figures"`
	Tables          int      `json:"tables"`
	Chunks          int      `json:"chunks"`
	NeedsEmbedding  bool     `json:"needs_embedding"`
	Notes           []string `json:"notes,omitempty"`
}

type EmbedPaperInput struct {
	WorkPath    string `json:"work_path"`
	Description string `json:"description,omitempty"`
}

type PersistPaperInput struct {
	ProjectID int64  `json:"project_id"`
	WorkPath  string `json:"work_path"`
}

type PersistPaperOutput struct {
	PaperID   int64    `json:"paper_id"`
	Inserted  bool     `json:"inserted"`
	Relevance *float64 `json:"relevance,omitempty"`
	Notes     []string `json:"notes,omitempty"`
}

type ExpandCitationsInput struct {
	WorkPath string `json:"work_path"`
}

type ExpandCitationsOutput struct {
	Edges    []models.Edge `json:"edges"`
	Failures []string      `json:"failures,omitempty"`
}

// EdgeLink is a citation edge waiting for its target's paper id. To is set when the
// caller already knows it.
type EdgeLink struct {
	From   int64              `json:"from"`
	Kind   models.EdgeKind    `json:"kind"`
	Target models.ExternalRef `json:"target"`
	To     int64              `json:"to,omitempty"`
}

type LinkEdgesInput struct {
	Links []EdgeLink `json:"links"`
}

type LinkEdgesOutput struct {
	Linked     int `json:"linked"`
	Existing   int `json:"existing"`
	Unresolved int `json:"unresolved"`
}

type WriteRunSummaryInput struct {
	Project string            `json:"project"`
	Summary models.RunSummary `json:"summary"`
}

type WriteRunSummaryOutput struct {
	Path string `json:"path"`
}

type ListNeedsEmbeddingInput struct {
	ProjectID int64 `json:"project_id"`
	Limit     int   `json:"limit"`
}

type PendingPaper struct {
	PaperID              int64  `json:"paper_id"`
	Abstract             string `json:"abstract"`
	HasAbstractEmbedding bool   `json:"has_abstract_embedding"`
}

type ListNeedsEmbeddingOutput struct {
	Papers []PendingPaper `json:"papers"`
}

type BackfillPaperInput struct {
	Paper PendingPaper `json:"paper"`
}

type BackfillPaperOutput struct {
	Embedded int  `json:"embedded"`
	Failed   int  `json:"failed"`
	Cleared  bool `json:"cleared"`
}
