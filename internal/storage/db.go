package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"litingest/internal/util"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// VectorDim is the width of every vector column.
const VectorDim = 1024

type DB struct {
	Pool *pgxpool.Pool
}

func NewDB(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.AfterConnect = registerVectorTypes
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// registerVectorTypes teaches the connection the pgvector types. Before the first
// migration the extension is missing; Migrate resets the pool once it exists.
func registerVectorTypes(ctx context.Context, conn *pgx.Conn) error {
	var present bool
	if err := conn.QueryRow(ctx, `SELECT to_regtype('vector') IS NOT NULL`).Scan(&present); err != nil {
		return fmt.Errorf("vector type check: %w", err)
	}
	if !present {
		return nil
	}
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		return fmt.Errorf("register vector types: %w", err)
	}
	return nil
}

func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}

// Migrate applies the embedded schema once per version, in a single transaction.
func (d *DB) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var applied bool
	err := d.Pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'litingest_meta')`).Scan(&applied)
	if err != nil {
		return fmt.Errorf("meta table check: %w", err)
	}
	if applied {
		if err := d.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM litingest_meta WHERE version = $1)`, schemaVersion).Scan(&applied); err != nil {
			return fmt.Errorf("meta version check: %w", err)
		}
	}
	if applied {
		return nil
	}

	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migrate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migrate tx: %w", err)
	}
	d.Pool.Reset()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// vectorParam wraps v for a vector column; empty vectors become NULL.
func vectorParam(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

func checkVectors(op string, vecs ...[]float32) error {
	for i, v := range vecs {
		if len(v) != 0 && len(v) != VectorDim {
			return util.NewError(util.KindValidation, op, fmt.Errorf("%w: vector %d has %d dims, want %d", util.ErrDimensionMismatch, i, len(v), VectorDim))
		}
	}
	return nil
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if util.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isUniqueViolation(err) {
		return util.NewError(util.KindDuplicateIdentity, op, err)
	}
	return util.NewError(util.KindStore, op, err)
}
