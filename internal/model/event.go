package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventTypeLog    EventType = "log"
	EventTypeCrash  EventType = "crash"
	EventTypeCustom EventType = "custom"
)

func (t EventType) String() string { return string(t) }

func (t EventType) Valid() bool {
	return t == EventTypeLog || t == EventTypeCrash || t == EventTypeCustom
}

// ParseEventType normalizes input; empty => log.
func ParseEventType(s string) (EventType, bool) {
	switch t := EventType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return EventTypeLog, true
	case EventTypeLog, EventTypeCrash, EventTypeCustom:
		return t, true
	default:
		return EventTypeLog, false
	}
}

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

func (l Level) String() string { return string(l) }

func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// Attributes is a free-form JSON object column.
type Attributes map[string]any

func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

func (a *Attributes) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("attributes: %w", err)
	}
	if strings.TrimSpace(str) == "" {
		*a = Attributes{}
		return nil
	}
	out := Attributes{}
	if err := json.Unmarshal([]byte(str), &out); err != nil {
		return fmt.Errorf("attributes: %w", err)
	}
	*a = out
	return nil
}

// Event is one admitted unit of work, persisted in the events table.
type Event struct {
	ID             string     `db:"id"              json:"id"`
	OwnerID        string     `db:"owner_id"        json:"owner_id"`
	ProjectID      string     `db:"project_id"      json:"project_id"`
	APIKeyID       string     `db:"api_key_id"      json:"api_key_id"`
	Type           EventType  `db:"type"            json:"type"`
	Level          Level      `db:"level"           json:"level,omitempty"`
	Message        string     `db:"message"         json:"message"`
	Attributes     Attributes `db:"attributes"      json:"attributes,omitempty"`
	OccurredAt     time.Time  `db:"occurred_at"     json:"occurred_at"`
	IdempotencyKey string     `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
}
