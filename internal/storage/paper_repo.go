package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"litingest/internal/util"
)

// PaperRow is the listing view of a stored paper.
type PaperRow struct {
	ID              int64     `json:"id"`
	Source          string    `json:"source"`
	SourceID        string    `json:"source_id"`
	Title           string    `json:"title"`
	DOI             string    `json:"doi,omitempty"`
	Downloaded      bool      `json:"downloaded"`
	DecomposeStatus string    `json:"decompose_status,omitempty"`
	Relevance       *float64  `json:"relevance,omitempty"`
	NeedsEmbedding  bool      `json:"needs_embedding"`
	Figures         int       `json:"figures"`
	Tables          int       `json:"tables"`
	Chunks          int       `json:"chunks"`
	CreatedAt       time.Time `json:"created_at"`
}

type PaperRepo struct {
	db *DB
}

func NewPaperRepo(db *DB) *PaperRepo {
	return &PaperRepo{db: db}
}

const paperRowSelect = `
SELECT p.id, p.source, p.source_id, p.title, COALESCE(p.doi,''), p.downloaded, p.decompose_status,
       p.relevance_score, p.needs_embedding,
       (SELECT COUNT(*) FROM figures f WHERE f.paper_id = p.id),
       (SELECT COUNT(*) FROM tables t WHERE t.paper_id = p.id),
       (SELECT COUNT(*) FROM body_text_chunked c WHERE c.paper_id = p.id),
       p.created_at
FROM papers p`

func scanPaperRow(row pgx.Row) (PaperRow, error) {
	var p PaperRow
	err := row.Scan(&p.ID, &p.Source, &p.SourceID, &p.Title, &p.DOI, &p.Downloaded, &p.DecomposeStatus,
		&p.Relevance, &p.NeedsEmbedding, &p.Figures, &p.Tables, &p.Chunks, &p.CreatedAt)
	return p, err
}

// ListPapersByProject orders by relevance, unscored papers last.
func (r *PaperRepo) ListPapersByProject(ctx context.Context, projectID int64) ([]PaperRow, error) {
	rows, err := r.db.Pool.Query(ctx, paperRowSelect+`
WHERE p.project_id = $1
ORDER BY p.relevance_score DESC NULLS LAST, p.id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	defer rows.Close()

	out := make([]PaperRow, 0)
	for rows.Next() {
		p, err := scanPaperRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan paper: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate papers: %w", err)
	}
	return out, nil
}

func (r *PaperRepo) GetPaperByID(ctx context.Context, paperID int64) (PaperRow, error) {
	p, err := scanPaperRow(r.db.Pool.QueryRow(ctx, paperRowSelect+` WHERE p.id = $1`, paperID))
	if errors.Is(err, pgx.ErrNoRows) {
		return PaperRow{}, fmt.Errorf("paper %d: %w", paperID, util.ErrNotFound)
	}
	if err != nil {
		return PaperRow{}, fmt.Errorf("get paper by id: %w", err)
	}
	return p, nil
}
