package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"litingest/internal/models"
	"litingest/internal/util"
)

type KnowledgeBase struct {
	db *DB
}

func NewKnowledgeBase(db *DB) *KnowledgeBase {
	return &KnowledgeBase{db: db}
}

type PersistResult struct {
	PaperID  int64 `json:"paper_id"`
	Inserted bool  `json:"inserted"`
}

// ValidatePaper rejects any vector in p whose width is not VectorDim.
func ValidatePaper(p *models.Paper) error {
	op := "persist " + p.Metadata.Identity().Key()
	if err := checkVectors(op, p.AbstractEmbedding); err != nil {
		return err
	}
	for _, c := range p.Chunks {
		if err := checkVectors(op, c.Embedding); err != nil {
			return err
		}
	}
	for _, imgs := range [][]models.Image{p.Figures, p.Tables} {
		for _, img := range imgs {
			if err := checkVectors(op, img.CaptionEmbedding); err != nil {
				return err
			}
			for _, patch := range img.PatchEmbeddings {
				if len(patch) != VectorDim {
					return util.NewError(util.KindValidation, op, fmt.Errorf("%w: patch has %d dims, want %d", util.ErrDimensionMismatch, len(patch), VectorDim))
				}
			}
		}
	}
	return nil
}

// PersistPaper writes p and all of its dependents in one transaction. A paper that
// already exists under the same identity is left untouched and its id returned.
func (kb *KnowledgeBase) PersistPaper(ctx context.Context, projectID int64, p *models.Paper) (PersistResult, error) {
	meta := p.Metadata
	op := "persist " + meta.Identity().Key()
	if meta.Source == "" || meta.SourceID == "" {
		return PersistResult{}, util.Errorf(util.KindValidation, op, "paper has no identity")
	}
	if err := ValidatePaper(p); err != nil {
		return PersistResult{}, err
	}

	tx, err := kb.db.Pool.Begin(ctx)
	if err != nil {
		return PersistResult{}, storeErr(op, fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	existing, err := matchIdentity(ctx, tx, meta)
	if err != nil {
		return PersistResult{}, storeErr(op, err)
	}
	switch len(existing) {
	case 0:
	case 1:
		return PersistResult{PaperID: existing[0]}, nil
	default:
		return PersistResult{}, util.Errorf(util.KindDuplicateIdentity, op, "identity matches %d stored papers", len(existing))
	}

	notes, err := json.Marshal(nonNil(p.Notes))
	if err != nil {
		return PersistResult{}, util.NewError(util.KindValidation, op, err)
	}
	var openalex any
	if len(meta.OpenAlex) > 0 {
		openalex = string(meta.OpenAlex)
	}

	var paperID int64
	err = tx.QueryRow(ctx, `
INSERT INTO papers(
  project_id, source, source_id, title, abstract, abstract_embeddings, doi, openalex_id,
  pdf_url, pdf_path, downloaded, no_open_access, decompose_status, openalex_response,
  relevance_score, needs_embedding, notes
)
VALUES (
  $1, $2, $3, $4, $5, $6, NULLIF($7,''), NULLIF($8,''),
  NULLIF($9,''), NULLIF($10,''), $11, NULLIF($12,''), $13, $14::text::jsonb,
  $15, $16, $17::jsonb
)
ON CONFLICT (source, source_id) DO NOTHING
RETURNING id
`, projectID, string(meta.Source), meta.SourceID, meta.Title, meta.Abstract, vectorParam(p.AbstractEmbedding),
		strings.ToLower(meta.DOI), meta.OpenAlexID, meta.PDFURL, p.PDFPath, p.Downloaded, meta.NoOpenAccess,
		p.DecomposeStatus, openalex, p.Relevance, p.NeedsEmbedding, string(notes)).Scan(&paperID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a race with a concurrent insert of the same identity.
		id, found, ferr := findPaper(ctx, tx, meta.Identity())
		if ferr != nil {
			return PersistResult{}, storeErr(op, ferr)
		}
		if !found {
			return PersistResult{}, util.Errorf(util.KindDuplicateIdentity, op, "conflicting row not visible")
		}
		return PersistResult{PaperID: id}, nil
	}
	if err != nil {
		return PersistResult{}, storeErr(op, fmt.Errorf("insert paper: %w", err))
	}

	for i, a := range meta.Authors {
		if _, err := tx.Exec(ctx, `
INSERT INTO authors(paper_id, position, name, affiliation) VALUES ($1, $2, $3, NULLIF($4,''))
`, paperID, i, a.Name, a.Affiliation); err != nil {
			return PersistResult{}, storeErr(op, fmt.Errorf("insert author %d: %w", i, err))
		}
	}
	if err := insertImages(ctx, tx, paperID, "figures", "figure", p.Figures); err != nil {
		return PersistResult{}, storeErr(op, err)
	}
	if err := insertImages(ctx, tx, paperID, "tables", "table", p.Tables); err != nil {
		return PersistResult{}, storeErr(op, err)
	}
	if p.FullText != "" {
		if _, err := tx.Exec(ctx, `INSERT INTO body_text_full(paper_id, full_text) VALUES ($1, $2)`, paperID, p.FullText); err != nil {
			return PersistResult{}, storeErr(op, fmt.Errorf("insert body text: %w", err))
		}
	}
	for _, c := range p.Chunks {
		if _, err := tx.Exec(ctx, `
INSERT INTO body_text_chunked(paper_id, chunk_id, embedding_mode, chunk_text, chunk_embeddings)
VALUES ($1, $2, $3, $4, $5)
`, paperID, c.Index, string(c.Mode), c.Text, vectorParam(c.Embedding)); err != nil {
			return PersistResult{}, storeErr(op, fmt.Errorf("insert chunk %d: %w", c.Index, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return PersistResult{}, storeErr(op, fmt.Errorf("commit: %w", err))
	}
	return PersistResult{PaperID: paperID, Inserted: true}, nil
}

func insertImages(ctx context.Context, tx pgx.Tx, paperID int64, table, ownerKind string, imgs []models.Image) error {
	for _, img := range imgs {
		mime := img.MIME
		if mime == "" {
			mime = "image/png"
		}
		var ownerID int64
		err := tx.QueryRow(ctx, fmt.Sprintf(`
INSERT INTO %s(paper_id, page, region_index, image_blob, image_mime, image_path, ai_caption, caption_truncated, ai_caption_embeddings)
VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), NULLIF($7,''), $8, $9)
RETURNING id
`, table), paperID, img.Page, img.Index, img.Data, mime, img.Path, img.Caption, img.CaptionTruncated, vectorParam(img.CaptionEmbedding)).Scan(&ownerID)
		if err != nil {
			return fmt.Errorf("insert %s p%d#%d: %w", ownerKind, img.Page, img.Index, err)
		}
		for i, patch := range img.PatchEmbeddings {
			if _, err := tx.Exec(ctx, `
INSERT INTO image_patch_embeddings(owner_kind, owner_id, patch_index, embedding) VALUES ($1, $2, $3, $4)
`, ownerKind, ownerID, i, vectorParam(patch)); err != nil {
				return fmt.Errorf("insert %s patch %d: %w", ownerKind, i, err)
			}
		}
	}
	return nil
}

// matchIdentity returns up to two paper ids sharing the identity, OpenAlex id or DOI of meta.
func matchIdentity(ctx context.Context, q pgx.Tx, meta models.CanonicalMetadata) ([]int64, error) {
	rows, err := q.Query(ctx, `
SELECT id FROM papers
WHERE (source = $1 AND source_id = $2)
   OR ($3 <> '' AND openalex_id = $3)
   OR ($4 <> '' AND lower(doi) = $4)
ORDER BY id
LIMIT 2
`, string(meta.Source), meta.SourceID, meta.OpenAlexID, strings.ToLower(meta.DOI))
	if err != nil {
		return nil, fmt.Errorf("match identity: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findPaper(ctx context.Context, q rowQuerier, id models.Identity) (int64, bool, error) {
	var paperID int64
	err := q.QueryRow(ctx, `SELECT id FROM papers WHERE source = $1 AND source_id = $2`, string(id.Source), id.SourceID).Scan(&paperID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find paper: %w", err)
	}
	return paperID, true, nil
}

func (kb *KnowledgeBase) FindPaper(ctx context.Context, id models.Identity) (int64, bool, error) {
	paperID, found, err := findPaper(ctx, kb.db.Pool, id)
	if err != nil {
		return 0, false, storeErr("find "+id.Key(), err)
	}
	return paperID, found, nil
}

// FindByRef looks a discovered registry reference up among stored papers by its
// identity, OpenAlex id or DOI.
func (kb *KnowledgeBase) FindByRef(ctx context.Context, ref models.ExternalRef) (int64, bool, error) {
	var where string
	switch ref.Type {
	case models.IDPubMed, models.IDArXiv:
		where = "source = $2 AND source_id = $1"
	case models.IDOpenAlex:
		where = "$2 <> '' AND (openalex_id = $1 OR (source = 'openalex' AND source_id = $1))"
	case models.IDDOI:
		where = "$2 <> '' AND lower(doi) = lower($1)"
	default:
		return 0, false, nil
	}
	var paperID int64
	err := kb.db.Pool.QueryRow(ctx, `SELECT id FROM papers WHERE `+where+` ORDER BY id LIMIT 1`, ref.ID, string(ref.Type)).Scan(&paperID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("find "+ref.Key(), err)
	}
	return paperID, true, nil
}

var edgeTables = map[models.EdgeKind]string{
	models.EdgeReferences:   "citation_references",
	models.EdgeCitedBy:      "citation_cited_by",
	models.EdgeRelatedWorks: "citation_related_works",
}

// LinkEdge records a citation edge once. It reports whether a new row was written.
func (kb *KnowledgeBase) LinkEdge(ctx context.Context, kind models.EdgeKind, sourcePaperID, targetPaperID int64) (bool, error) {
	op := fmt.Sprintf("link %s %d->%d", kind, sourcePaperID, targetPaperID)
	table, ok := edgeTables[kind]
	if !ok {
		return false, util.Errorf(util.KindValidation, op, "unknown edge kind")
	}
	if sourcePaperID == targetPaperID {
		return false, nil
	}
	tag, err := kb.db.Pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s(source_paper_id, target_paper_id) VALUES ($1, $2)
ON CONFLICT (source_paper_id, target_paper_id) DO NOTHING
`, table), sourcePaperID, targetPaperID)
	if err != nil {
		return false, storeErr(op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
