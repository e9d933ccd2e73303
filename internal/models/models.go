package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IDType names the registry an external identifier belongs to.
type IDType string

const (
	IDPubMed   IDType = "pubmed"
	IDArXiv    IDType = "arxiv"
	IDOpenAlex IDType = "openalex"
	IDDOI      IDType = "doi"
	IDPMCID    IDType = "pmcid"
)

// Source is the registry a paper's canonical identity lives in.
type Source string

const (
	SourcePubMed   Source = "pubmed"
	SourceArXiv    Source = "arxiv"
	SourceOpenAlex Source = "openalex"
)

type ExternalRef struct {
	Type IDType `json:"id_type"`
	ID   string `json:"id"`
}

// ParseRef accepts "type:id". A bare OpenAlex work id (W123) is accepted without a prefix.
func ParseRef(raw string) (ExternalRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ExternalRef{}, fmt.Errorf("empty reference")
	}
	kind, id, ok := strings.Cut(raw, ":")
	if !ok {
		if strings.HasPrefix(raw, "W") {
			return ExternalRef{Type: IDOpenAlex, ID: raw}, nil
		}
		return ExternalRef{}, fmt.Errorf("reference %q must look like type:id", raw)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ExternalRef{}, fmt.Errorf("reference %q has an empty id", raw)
	}
	return ExternalRef{Type: IDType(strings.ToLower(strings.TrimSpace(kind))), ID: id}, nil
}

func (r ExternalRef) Key() string {
	return string(r.Type) + ":" + r.ID
}

func (r ExternalRef) String() string {
	return r.Key()
}

// Identity is the (source, source_id) pair that must be unique across the store.
type Identity struct {
	Source   Source `json:"source"`
	SourceID string `json:"source_id"`
}

func (i Identity) Key() string {
	return string(i.Source) + ":" + i.SourceID
}

type Author struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
}

// CanonicalMetadata is one registry record normalized across PubMed, arXiv and OpenAlex.
type CanonicalMetadata struct {
	Source        Source          `json:"source"`
	SourceID      string          `json:"source_id"`
	Title         string          `json:"title"`
	Abstract      string          `json:"abstract"`
	Authors       []Author        `json:"authors"`
	PDFURL        string          `json:"pdf_url,omitempty"`
	NoOpenAccess  string          `json:"no_open_access,omitempty"`
	OpenAlexID    string          `json:"openalex_id,omitempty"`
	DOI           string          `json:"doi,omitempty"`
	References    []string        `json:"references,omitempty"`
	RelatedWorks  []string        `json:"related_works,omitempty"`
	CitedByAPIURL string          `json:"cited_by_api_url,omitempty"`
	OpenAlex      json.RawMessage `json:"openalex_response,omitempty"`
}

func (m CanonicalMetadata) Identity() Identity {
	return Identity{Source: m.Source, SourceID: m.SourceID}
}

type EdgeKind string

const (
	EdgeReferences   EdgeKind = "references"
	EdgeCitedBy      EdgeKind = "cited_by"
	EdgeRelatedWorks EdgeKind = "related_works"
)

func ParseEdgeKinds(raw []string) ([]EdgeKind, error) {
	out := make([]EdgeKind, 0, len(raw))
	for _, r := range raw {
		switch k := EdgeKind(strings.ToLower(strings.TrimSpace(r))); k {
		case EdgeReferences, EdgeCitedBy, EdgeRelatedWorks:
			out = append(out, k)
		default:
			return nil, fmt.Errorf("unknown edge kind %q", r)
		}
	}
	return out, nil
}

// Edge is a discovered citation relation from an already-persisted paper to another registry id.
type Edge struct {
	Kind   EdgeKind    `json:"kind"`
	Target ExternalRef `json:"target"`
}

type ImageRole string

const (
	RoleFigure ImageRole = "figure"
	RoleTable  ImageRole = "table"
)

// Image is a cropped figure or table region and everything derived from it.
type Image struct {
	Role             ImageRole   `json:"role"`
	Page             int         `json:"page"`
	Index            int         `json:"index"`
	MIME             string      `json:"mime"`
	Data             []byte      `json:"data,omitempty"`
	Path             string      `json:"path,omitempty"`
	Caption          string      `json:"caption,omitempty"`
	CaptionTruncated bool        `json:"caption_truncated,omitempty"`
	CaptionEmbedding []float32   `json:"caption_embedding,omitempty"`
	PatchEmbeddings  [][]float32 `json:"patch_embeddings,omitempty"`
}

type EmbeddingMode string

const (
	ModeNone     EmbeddingMode = "none"
	ModeSemantic EmbeddingMode = "semantic"
)

type Chunk struct {
	Index     int           `json:"chunk_id"`
	Mode      EmbeddingMode `json:"embedding_mode"`
	Text      string        `json:"chunk_text"`
	Embedding []float32     `json:"chunk_embeddings,omitempty"`
}

// Paper is a hydrated record ready for persistence.
type Paper struct {
	Metadata          CanonicalMetadata `json:"metadata"`
	PDFPath           string            `json:"pdf_path,omitempty"`
	Downloaded        bool              `json:"downloaded"`
	DecomposeStatus   string            `json:"decompose_status,omitempty"`
	FullText          string            `json:"full_text,omitempty"`
	Chunks            []Chunk           `json:"chunks,omitempty"`
	Figures           []Image           `json:"figures,omitempty"`
	Tables            []Image           `json:"tables,omitempty"`
	AbstractEmbedding []float32         `json:"abstract_embedding,omitempty"`
	NeedsEmbedding    bool              `json:"needs_embedding"`
	Relevance         *float64          `json:"relevance,omitempty"`
	Notes             []string          `json:"notes,omitempty"`
}

func (p *Paper) Note(format string, args ...any) {
	p.Notes = append(p.Notes, fmt.Sprintf(format, args...))
}

type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type ItemStatus string

const (
	StatusSucceeded ItemStatus = "succeeded"
	StatusSkipped   ItemStatus = "skipped"
	StatusFailed    ItemStatus = "failed"
)

type ItemOutcome struct {
	Ref       ExternalRef `json:"ref"`
	Source    Source      `json:"source,omitempty"`
	SourceID  string      `json:"source_id,omitempty"`
	PaperID   int64       `json:"paper_id,omitempty"`
	Depth     int         `json:"depth"`
	Status    ItemStatus  `json:"status"`
	Kind      string      `json:"kind,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Relevance *float64    `json:"relevance,omitempty"`
	Notes     []string    `json:"notes,omitempty"`
}

type RunSummary struct {
	RunID      string        `json:"run_id"`
	Project    string        `json:"project"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Succeeded  []ItemOutcome `json:"succeeded"`
	Skipped    []ItemOutcome `json:"skipped"`
	Failed     []ItemOutcome `json:"failed"`
}

func (s *RunSummary) Add(o ItemOutcome) {
	switch o.Status {
	case StatusSucceeded:
		s.Succeeded = append(s.Succeeded, o)
	case StatusSkipped:
		s.Skipped = append(s.Skipped, o)
	default:
		s.Failed = append(s.Failed, o)
	}
}
