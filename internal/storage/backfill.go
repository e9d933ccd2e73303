package storage

import (
	"context"
	"fmt"
)

// PendingPaper is a paper flagged for embedding backfill.
type PendingPaper struct {
	ID                   int64
	Abstract             string
	HasAbstractEmbedding bool
}

type PendingText struct {
	Table string
	ID    int64
	Text  string
}

// ListNeedsEmbedding returns up to limit flagged papers of the project, oldest first.
func (kb *KnowledgeBase) ListNeedsEmbedding(ctx context.Context, projectID int64, limit int) ([]PendingPaper, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := kb.db.Pool.Query(ctx, `
SELECT id, abstract, abstract_embeddings IS NOT NULL
FROM papers
WHERE project_id = $1 AND needs_embedding
ORDER BY id
LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, storeErr("list needs embedding", err)
	}
	defer rows.Close()
	var out []PendingPaper
	for rows.Next() {
		var p PendingPaper
		if err := rows.Scan(&p.ID, &p.Abstract, &p.HasAbstractEmbedding); err != nil {
			return nil, storeErr("scan needs embedding", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list needs embedding", err)
	}
	return out, nil
}

func (kb *KnowledgeBase) UpdateAbstractEmbedding(ctx context.Context, paperID int64, vec []float32) error {
	op := fmt.Sprintf("update abstract embedding %d", paperID)
	if err := checkVectors(op, vec); err != nil {
		return err
	}
	if _, err := kb.db.Pool.Exec(ctx, `
UPDATE papers SET abstract_embeddings = $2, updated_at = NOW() WHERE id = $1`, paperID, vectorParam(vec)); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// ListUnembeddedChunks returns chunk and caption rows of the paper that have text but no vector.
func (kb *KnowledgeBase) ListUnembeddedChunks(ctx context.Context, paperID int64) ([]PendingText, error) {
	rows, err := kb.db.Pool.Query(ctx, `
SELECT 'body_text_chunked', id, chunk_text FROM body_text_chunked
WHERE paper_id = $1 AND chunk_embeddings IS NULL AND chunk_text <> ''
UNION ALL
SELECT 'figures', id, ai_caption FROM figures
WHERE paper_id = $1 AND ai_caption_embeddings IS NULL AND coalesce(ai_caption, '') <> ''
UNION ALL
SELECT 'tables', id, ai_caption FROM tables
WHERE paper_id = $1 AND ai_caption_embeddings IS NULL AND coalesce(ai_caption, '') <> ''
ORDER BY 1, 2`, paperID)
	if err != nil {
		return nil, storeErr("list unembedded chunks", err)
	}
	defer rows.Close()
	var out []PendingText
	for rows.Next() {
		var t PendingText
		if err := rows.Scan(&t.Table, &t.ID, &t.Text); err != nil {
			return nil, storeErr("scan unembedded chunk", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list unembedded chunks", err)
	}
	return out, nil
}

var embeddingColumns = map[string]string{
	"body_text_chunked": "chunk_embeddings",
	"figures":           "ai_caption_embeddings",
	"tables":            "ai_caption_embeddings",
}

func (kb *KnowledgeBase) UpdateChunkEmbedding(ctx context.Context, t PendingText, vec []float32) error {
	op := fmt.Sprintf("update %s embedding %d", t.Table, t.ID)
	column, ok := embeddingColumns[t.Table]
	if !ok {
		return fmt.Errorf("%s: unknown table", op)
	}
	if err := checkVectors(op, vec); err != nil {
		return err
	}
	if _, err := kb.db.Pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE id = $1`, t.Table, column), t.ID, vectorParam(vec)); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (kb *KnowledgeBase) ClearNeedsEmbedding(ctx context.Context, paperID int64) error {
	if _, err := kb.db.Pool.Exec(ctx, `
UPDATE papers SET needs_embedding = FALSE, updated_at = NOW() WHERE id = $1`, paperID); err != nil {
		return storeErr(fmt.Sprintf("clear needs embedding %d", paperID), err)
	}
	return nil
}
