package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// EventsRepository persists admitted events in the primary store.
type EventsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, e model.Event) error
	// GetByIdem returns (nil, nil) when the owner never used the key.
	GetByIdem(ctx context.Context, q sqlx.QueryerContext, ownerID, idem string) (*model.Event, error)
}

type eventsRepo struct{}

func NewEventsRepository() EventsRepository { return &eventsRepo{} }

func (r *eventsRepo) Insert(ctx context.Context, tx *sqlx.Tx, e model.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events
		    (id, owner_id, project_id, api_key_id, type, level, message, attributes,
		     occurred_at, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.OwnerID, e.ProjectID, e.APIKeyID, e.Type.String(), e.Level.String(), e.Message,
		e.Attributes, e.OccurredAt, e.IdempotencyKey, e.CreatedAt)
	return err
}

func (r *eventsRepo) GetByIdem(ctx context.Context, q sqlx.QueryerContext, ownerID, idem string) (*model.Event, error) {
	var e model.Event
	err := sqlx.GetContext(ctx, q, &e, `
		SELECT id, owner_id, project_id, api_key_id, type, level, message, attributes,
		       occurred_at, idempotency_key, created_at
		  FROM events
		 WHERE owner_id = ? AND idempotency_key = ?
		 LIMIT 1
	`, ownerID, idem)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
