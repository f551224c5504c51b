package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// SubscriptionsRepository persists usage quota records.
type SubscriptionsRepository interface {
	// GetActiveByOwner returns (nil, nil) when the owner has no active subscription.
	GetActiveByOwner(ctx context.Context, q sqlx.QueryerContext, ownerID string) (*model.Subscription, error)
	// IncrementConsumed adds amount only while the result stays within
	// event_limit. It reports false, without changing anything, otherwise.
	IncrementConsumed(ctx context.Context, tx *sqlx.Tx, id string, amount int64, at time.Time) (bool, error)
	GetConsumed(ctx context.Context, tx *sqlx.Tx, id string) (int64, error)
	DeactivateByOwner(ctx context.Context, tx *sqlx.Tx, ownerID string, at time.Time) error
	Insert(ctx context.Context, tx *sqlx.Tx, s model.Subscription) error
}

type subscriptionsRepo struct{}

func NewSubscriptionsRepository() SubscriptionsRepository { return &subscriptionsRepo{} }

func (r *subscriptionsRepo) GetActiveByOwner(ctx context.Context, q sqlx.QueryerContext, ownerID string) (*model.Subscription, error) {
	var s model.Subscription
	err := sqlx.GetContext(ctx, q, &s, `
		SELECT id, owner_id, plan_id, event_limit, consumed, alert_thresholds,
		       period_start, period_end, active, created_at, updated_at
		  FROM subscriptions
		 WHERE owner_id = ? AND active = 1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1
	`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *subscriptionsRepo) IncrementConsumed(ctx context.Context, tx *sqlx.Tx, id string, amount int64, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET consumed = consumed + ?, updated_at = ?
		WHERE id = ? AND active = 1 AND consumed + ? <= event_limit
	`, amount, at, id, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *subscriptionsRepo) GetConsumed(ctx context.Context, tx *sqlx.Tx, id string) (int64, error) {
	var consumed int64
	err := tx.QueryRowxContext(ctx, `SELECT consumed FROM subscriptions WHERE id = ?`, id).Scan(&consumed)
	return consumed, err
}

func (r *subscriptionsRepo) DeactivateByOwner(ctx context.Context, tx *sqlx.Tx, ownerID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET active = 0, updated_at = ?
		WHERE owner_id = ? AND active = 1
	`, at, ownerID)
	return err
}

func (r *subscriptionsRepo) Insert(ctx context.Context, tx *sqlx.Tx, s model.Subscription) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions
		    (id, owner_id, plan_id, event_limit, consumed, alert_thresholds,
		     period_start, period_end, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.OwnerID, s.PlanID, s.EventLimit, s.Consumed, s.AlertThresholds,
		s.PeriodStart, s.PeriodEnd, s.Active, s.CreatedAt, s.UpdatedAt)
	return err
}
