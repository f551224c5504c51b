package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// EventFilter narrows a project's event listing.
type EventFilter struct {
	ProjectID string
	Type      model.EventType
	Level     model.Level
	Since     time.Time
	Limit     int
	Offset    int
}

// CHEventsRepository is the analytics read model kept in ClickHouse.
type CHEventsRepository interface {
	ListByProject(ctx context.Context, f EventFilter) ([]model.Event, error)
	InsertBatch(ctx context.Context, events []model.Event) error
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

// chEvent mirrors the ClickHouse row; attributes are kept as a JSON string.
type chEvent struct {
	ID         string    `db:"id"`
	OwnerID    string    `db:"owner_id"`
	ProjectID  string    `db:"project_id"`
	APIKeyID   string    `db:"api_key_id"`
	Type       string    `db:"type"`
	Level      string    `db:"level"`
	Message    string    `db:"message"`
	Attributes string    `db:"attributes"`
	OccurredAt time.Time `db:"occurred_at"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *chEventsRepository) ListByProject(ctx context.Context, f EventFilter) ([]model.Event, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT id, owner_id, project_id, api_key_id, type, level, message, attributes, occurred_at, created_at
		FROM events FINAL
		WHERE project_id = ?
	`
	args := []any{f.ProjectID}

	if f.Type != "" {
		q += " AND type = ?"
		args = append(args, f.Type.String())
	}
	if f.Level != "" {
		q += " AND level = ?"
		args = append(args, f.Level.String())
	}
	if !f.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, f.Since.UTC())
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []chEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}

	out := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		e := model.Event{
			ID:         row.ID,
			OwnerID:    row.OwnerID,
			ProjectID:  row.ProjectID,
			APIKeyID:   row.APIKeyID,
			Type:       model.EventType(row.Type),
			Level:      model.Level(row.Level),
			Message:    row.Message,
			OccurredAt: row.OccurredAt,
			CreatedAt:  row.CreatedAt,
		}
		if row.Attributes != "" {
			if err := json.Unmarshal([]byte(row.Attributes), &e.Attributes); err != nil {
				return nil, fmt.Errorf("event %s attributes: %w", row.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// InsertBatch writes events in a single ClickHouse batch. Replays are
// collapsed by ReplacingMergeTree on (project_id, created_at, id).
func (r *chEventsRepository) InsertBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, owner_id, project_id, api_key_id, type, level, message, attributes, occurred_at, created_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return fmt.Errorf("event %s attributes: %w", e.ID, err)
		}
		if e.Attributes == nil {
			attrs = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.OwnerID, e.ProjectID, e.APIKeyID, e.Type.String(), e.Level.String(),
			e.Message, string(attrs), e.OccurredAt.UTC(), e.CreatedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
