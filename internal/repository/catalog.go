package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// ProjectsRepository reads and seeds projects.
type ProjectsRepository interface {
	Get(ctx context.Context, id string) (*model.Project, error)
	Upsert(ctx context.Context, p model.Project) error
}

// PlansRepository reads and seeds plans.
type PlansRepository interface {
	Get(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Plan, error)
	Upsert(ctx context.Context, p model.Plan) error
}

type ProjectsRepositoryImpl struct{ db *sqlx.DB }

func NewProjectsRepository(db *sqlx.DB) *ProjectsRepositoryImpl {
	return &ProjectsRepositoryImpl{db: db}
}

func (r *ProjectsRepositoryImpl) Get(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	err := r.db.GetContext(ctx, &p,
		`SELECT id, owner_id, name, created_at, updated_at FROM projects WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Upsert is MySQL only (ON DUPLICATE KEY); used by the seed command.
func (r *ProjectsRepositoryImpl) Upsert(ctx context.Context, p model.Project) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    name       = VALUES(name),
		    updated_at = VALUES(updated_at)
	`, p.ID, p.OwnerID, p.Name, p.CreatedAt, p.UpdatedAt)
	return err
}

type PlansRepositoryImpl struct{ db *sqlx.DB }

func NewPlansRepository(db *sqlx.DB) *PlansRepositoryImpl {
	return &PlansRepositoryImpl{db: db}
}

func (r *PlansRepositoryImpl) Get(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Plan, error) {
	if q == nil {
		q = r.db
	}
	var p model.Plan
	err := sqlx.GetContext(ctx, q, &p,
		`SELECT id, name, event_limit, alert_thresholds, created_at FROM plans WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Upsert is MySQL only (ON DUPLICATE KEY); used by the seed command.
func (r *PlansRepositoryImpl) Upsert(ctx context.Context, p model.Plan) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, event_limit, alert_thresholds, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, p.ID, p.Name, p.EventLimit, p.AlertThresholds, p.CreatedAt)
	return err
}
