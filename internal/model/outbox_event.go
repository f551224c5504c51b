package model

import "time"

const (
	TopicEventsIngested = "events.ingested"
	TopicUsageAlerts    = "usage.alerts"
)

type OutboxEvent struct {
	ID          string     `db:"id"`
	Aggregate   string     `db:"aggregate"`    // e.g. "event", "subscription"
	AggregateID string     `db:"aggregate_id"` // event.ID / subscription.ID
	Topic       string     `db:"topic"`
	Payload     []byte     `db:"payload"`
	Attempts    int        `db:"attempts"`
	PublishedAt *time.Time `db:"published_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}
