package model

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Capability string

const (
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
	CapabilityAdmin Capability = "admin"
)

func (c Capability) String() string { return string(c) }

func (c Capability) Valid() bool {
	return c == CapabilityRead || c == CapabilityWrite || c == CapabilityAdmin
}

// ParseCapability normalizes input. Returns (value, true) if valid.
func ParseCapability(s string) (Capability, bool) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// CapabilitySet is stored as a comma separated column (e.g. "read,write").
type CapabilitySet []Capability

// ParseCapabilitySet parses "read,write" style input, rejecting unknown values.
func ParseCapabilitySet(csv string) (CapabilitySet, error) {
	var set CapabilitySet
	for _, raw := range strings.Split(csv, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		c, ok := ParseCapability(raw)
		if !ok {
			return nil, fmt.Errorf("unknown capability %q", strings.TrimSpace(raw))
		}
		if !set.Has(c) {
			set = append(set, c)
		}
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set, nil
}

func (s CapabilitySet) Has(c Capability) bool {
	for _, v := range s {
		if v == c {
			return true
		}
	}
	return false
}

func (s CapabilitySet) String() string {
	parts := make([]string, 0, len(s))
	for _, c := range s {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}

func (s CapabilitySet) Value() (driver.Value, error) { return s.String(), nil }

func (s *CapabilitySet) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	set, err := ParseCapabilitySet(str)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// StringList is a comma separated list column (allowed_ips).
type StringList []string

func (l StringList) Value() (driver.Value, error) { return strings.Join(l, ","), nil }

func (l *StringList) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("string list: %w", err)
	}
	var out StringList
	for _, p := range strings.Split(str, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*l = out
	return nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("unsupported type %T", src)
	}
}

// APIKey is the stored credential record. The raw secret is never persisted.
type APIKey struct {
	ID           string        `db:"id"             json:"id"`
	OwnerID      string        `db:"owner_id"       json:"owner_id"`
	ProjectID    string        `db:"project_id"     json:"project_id"`
	Name         string        `db:"name"           json:"name"`
	SecretHash   []byte        `db:"secret_hash"    json:"secret_hash"`
	Capabilities CapabilitySet `db:"capabilities"   json:"capabilities"`
	Active       bool          `db:"active"         json:"active"`
	ExpiresAt    *time.Time    `db:"expires_at"     json:"expires_at,omitempty"`
	AllowedIPs   StringList    `db:"allowed_ips"    json:"allowed_ips,omitempty"`
	RateLimitRPS *int          `db:"rate_limit_rps" json:"rate_limit_rps,omitempty"` // nullable
	LastUsedAt   *time.Time    `db:"last_used_at"   json:"last_used_at,omitempty"`
	TotalUses    int64         `db:"total_uses"     json:"total_uses"`
	RevokedAt    *time.Time    `db:"revoked_at"     json:"revoked_at,omitempty"`
	CreatedAt    time.Time     `db:"created_at"     json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"     json:"updated_at"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Status is a display helper: revoked|expired|active.
func (k *APIKey) Status(now time.Time) string {
	switch {
	case !k.Active || k.RevokedAt != nil:
		return "revoked"
	case k.Expired(now):
		return "expired"
	default:
		return "active"
	}
}
