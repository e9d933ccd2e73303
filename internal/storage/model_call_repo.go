package storage

import (
	"context"
	"fmt"

	"litingest/internal/providers"
)

type ModelCallRepo struct {
	db *DB
}

func NewModelCallRepo(db *DB) *ModelCallRepo {
	return &ModelCallRepo{db: db}
}

func (r *ModelCallRepo) Insert(ctx context.Context, rec providers.CallRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO model_calls(call_id, operation, provider_name, model, status, error_type)
VALUES (COALESCE(NULLIF($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5, NULLIF($6,''))
ON CONFLICT (call_id) DO NOTHING`,
		rec.CallID, rec.Operation, rec.ProviderName, rec.Model, rec.Status, rec.ErrorType)
	if err != nil {
		return fmt.Errorf("insert model call: %w", err)
	}
	return nil
}

// RecordCall lets the repo serve as the provider manager's audit sink.
func (r *ModelCallRepo) RecordCall(ctx context.Context, rec providers.CallRecord) error {
	return r.Insert(ctx, rec)
}

type ModelCallStat struct {
	ProviderName string `json:"provider_name"`
	Operation    string `json:"operation"`
	Status       string `json:"status"`
	Count        int    `json:"count"`
}

// Stats aggregates recorded calls by provider, operation and status.
func (r *ModelCallRepo) Stats(ctx context.Context) ([]ModelCallStat, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT provider_name, operation, status, COUNT(*)
FROM model_calls
GROUP BY provider_name, operation, status
ORDER BY provider_name, operation, status`)
	if err != nil {
		return nil, fmt.Errorf("query model call stats: %w", err)
	}
	defer rows.Close()
	var out []ModelCallStat
	for rows.Next() {
		var s ModelCallStat
		if err := rows.Scan(&s.ProviderName, &s.Operation, &s.Status, &s.Count); err != nil {
			return nil, fmt.Errorf("scan model call stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
