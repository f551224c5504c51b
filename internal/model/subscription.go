package model

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Project is the scope an API key is bound to.
type Project struct {
	ID        string    `db:"id"`
	OwnerID   string    `db:"owner_id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Plan defines the event ceiling of a billing period. Plans are never
// mutated in place; a plan change creates a new subscription.
type Plan struct {
	ID              string      `db:"id"`
	Name            string      `db:"name"`
	EventLimit      int64       `db:"event_limit"`
	AlertThresholds PercentList `db:"alert_thresholds"`
	CreatedAt       time.Time   `db:"created_at"`
}

// Subscription is the owner's quota record for the current period.
// EventLimit is copied from the plan at purchase time.
type Subscription struct {
	ID              string      `db:"id"               json:"id"`
	OwnerID         string      `db:"owner_id"         json:"owner_id"`
	PlanID          string      `db:"plan_id"          json:"plan_id"`
	EventLimit      int64       `db:"event_limit"      json:"event_limit"`
	Consumed        int64       `db:"consumed"         json:"consumed"`
	AlertThresholds PercentList `db:"alert_thresholds" json:"alert_thresholds"`
	PeriodStart     time.Time   `db:"period_start"     json:"period_start"`
	PeriodEnd       time.Time   `db:"period_end"       json:"period_end"`
	Active          bool        `db:"active"           json:"active"`
	CreatedAt       time.Time   `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at"       json:"updated_at"`
}

// InPeriod reports whether t falls in [PeriodStart, PeriodEnd).
func (s *Subscription) InPeriod(t time.Time) bool {
	return !t.Before(s.PeriodStart) && t.Before(s.PeriodEnd)
}

func (s *Subscription) Remaining() int64 {
	if s.Consumed >= s.EventLimit {
		return 0
	}
	return s.EventLimit - s.Consumed
}

// ThresholdsReached returns every alert percentage whose unit mark equals
// consumed. Each mark is crossed by exactly one admission; percentages that
// round to the same mark are all reported on it.
func (s *Subscription) ThresholdsReached(consumed int64) []int {
	var hit []int
	for _, pct := range s.AlertThresholds {
		mark := s.EventLimit * int64(pct) / 100
		if mark > 0 && mark == consumed {
			hit = append(hit, pct)
		}
	}
	return hit
}

// PercentList is stored as "80,100".
type PercentList []int

func ParsePercentList(csv string) (PercentList, error) {
	var out PercentList
	for _, raw := range strings.Split(csv, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			return nil, fmt.Errorf("invalid alert threshold %q", raw)
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func (l PercentList) String() string {
	parts := make([]string, 0, len(l))
	for _, n := range l {
		parts = append(parts, strconv.Itoa(n))
	}
	return strings.Join(parts, ",")
}

func (l PercentList) Value() (driver.Value, error) { return l.String(), nil }

func (l *PercentList) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("percent list: %w", err)
	}
	out, err := ParsePercentList(str)
	if err != nil {
		return err
	}
	*l = out
	return nil
}
