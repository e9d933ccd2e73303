package storage

import (
	"context"
	"fmt"
	"strings"

	"litingest/internal/models"
	"litingest/internal/util"
)

type ProjectRepo struct {
	db *DB
}

func NewProjectRepo(db *DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

// GetOrCreateProject returns the project named name, creating it when absent.
func (r *ProjectRepo) GetOrCreateProject(ctx context.Context, name, description string) (models.Project, error) {
	name = strings.TrimSpace(name)
	op := "project " + name
	if name == "" {
		return models.Project{}, util.Errorf(util.KindValidation, op, "project name is required")
	}
	found, err := r.findByName(ctx, name)
	if err != nil {
		return models.Project{}, err
	}
	switch len(found) {
	case 0:
		return r.CreateProject(ctx, name, description)
	case 1:
		return found[0], nil
	default:
		return models.Project{}, util.Errorf(util.KindDuplicateIdentity, op, "%d projects share the name", len(found))
	}
}

// CreateProject inserts a new project; an existing name is a DuplicateIdentityError.
func (r *ProjectRepo) CreateProject(ctx context.Context, name, description string) (models.Project, error) {
	var p models.Project
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO projects(name, description) VALUES ($1, $2)
RETURNING id, name, description, created_at`, name, description).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		return models.Project{}, storeErr("create project "+name, err)
	}
	return p, nil
}

func (r *ProjectRepo) GetProject(ctx context.Context, name string) (models.Project, error) {
	found, err := r.findByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return models.Project{}, err
	}
	if len(found) == 0 {
		return models.Project{}, fmt.Errorf("project %q: %w", name, util.ErrNotFound)
	}
	return found[0], nil
}

func (r *ProjectRepo) findByName(ctx context.Context, name string) ([]models.Project, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT id, name, description, created_at FROM projects WHERE name = $1 ORDER BY id LIMIT 2`, name)
	if err != nil {
		return nil, storeErr("find project "+name, err)
	}
	defer rows.Close()
	var out []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, storeErr("scan project", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find project "+name, err)
	}
	return out, nil
}
