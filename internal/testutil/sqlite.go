// Package testutil provides an in-memory-like SQLite store with the same
// table layout as the MySQL migrations, for repository and service tests.
package testutil

import (
	"context"
	_ "embed"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/db"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// NewSQLiteDB opens a fresh file-backed SQLite database in t.TempDir().
// A single connection serializes transactions the way row locks do in MySQL.
func NewSQLiteDB(t testing.TB) *sqlx.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "ingw.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	for _, stmt := range db.SplitStatements(schema) {
		_, err := conn.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return conn
}

// Now is a fixed UTC clock used across tests.
var Now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// InsertProject creates a project row.
func InsertProject(t testing.TB, conn *sqlx.DB, id, ownerID string) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(),
		`INSERT INTO projects (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, ownerID, "project "+id, Now, Now)
	require.NoError(t, err)
}

// InsertPlan creates a plan row.
func InsertPlan(t testing.TB, conn *sqlx.DB, p model.Plan) {
	t.Helper()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = Now
	}
	_, err := conn.ExecContext(context.Background(),
		`INSERT INTO plans (id, name, event_limit, alert_thresholds, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.EventLimit, p.AlertThresholds, p.CreatedAt)
	require.NoError(t, err)
}

// InsertSubscription creates a subscription row, filling period and
// timestamps around Now when unset.
func InsertSubscription(t testing.TB, conn *sqlx.DB, s model.Subscription) {
	t.Helper()
	if s.PeriodStart.IsZero() {
		s.PeriodStart = Now.Add(-24 * time.Hour)
	}
	if s.PeriodEnd.IsZero() {
		s.PeriodEnd = Now.Add(29 * 24 * time.Hour)
	}
	_, err := conn.ExecContext(context.Background(), `
		INSERT INTO subscriptions
		    (id, owner_id, plan_id, event_limit, consumed, alert_thresholds, period_start, period_end, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OwnerID, s.PlanID, s.EventLimit, s.Consumed, s.AlertThresholds,
		s.PeriodStart, s.PeriodEnd, s.Active, Now, Now)
	require.NoError(t, err)
}

// Count returns SELECT COUNT(*) for the given table and optional filter.
func Count(t testing.TB, conn *sqlx.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, conn.Get(&n, query, args...))
	return n
}
