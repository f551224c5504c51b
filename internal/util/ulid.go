package util

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a new ULID string. IDs generated within the same
// millisecond are strictly increasing.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt generates a ULID for the given timestamp.
func NewIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsID reports whether s is a canonical ULID string.
func IsID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
