package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// APIKeysRepository persists credential records. Keys are never deleted.
type APIKeysRepository interface {
	Create(ctx context.Context, k *model.APIKey) error
	// GetByID returns (nil, nil) when no key has the id.
	GetByID(ctx context.Context, id string) (*model.APIKey, error)
	ListByProject(ctx context.Context, projectID string) ([]model.APIKey, error)
	// Touch records one successful use.
	Touch(ctx context.Context, id string, usedAt time.Time) error
	// Revoke flips the active flag; false when the key was already inactive.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
}

type APIKeysRepositoryImpl struct {
	db *sqlx.DB
}

func NewAPIKeysRepository(db *sqlx.DB) *APIKeysRepositoryImpl {
	return &APIKeysRepositoryImpl{db: db}
}

var _ APIKeysRepository = (*APIKeysRepositoryImpl)(nil)

const apiKeyColumns = `id, owner_id, project_id, name, secret_hash, capabilities, active, expires_at,
	allowed_ips, rate_limit_rps, last_used_at, total_uses, revoked_at, created_at, updated_at`

func (r *APIKeysRepositoryImpl) Create(ctx context.Context, k *model.APIKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+apiKeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.OwnerID, k.ProjectID, k.Name, k.SecretHash, k.Capabilities, k.Active, k.ExpiresAt,
		k.AllowedIPs, k.RateLimitRPS, k.LastUsedAt, k.TotalUses, k.RevokedAt, k.CreatedAt, k.UpdatedAt)
	return err
}

func (r *APIKeysRepositoryImpl) GetByID(ctx context.Context, id string) (*model.APIKey, error) {
	var k model.APIKey
	err := r.db.GetContext(ctx, &k, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *APIKeysRepositoryImpl) ListByProject(ctx context.Context, projectID string) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := r.db.SelectContext(ctx, &keys,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE project_id = ? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *APIKeysRepositoryImpl) Touch(ctx context.Context, id string, usedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		SET total_uses = total_uses + 1, last_used_at = ?, updated_at = ?
		WHERE id = ?
	`, usedAt, usedAt, id)
	return err
}

func (r *APIKeysRepositoryImpl) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		SET active = 0, revoked_at = ?, updated_at = ?
		WHERE id = ? AND active = 1
	`, at, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
