package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDMonotonic(t *testing.T) {
	at := time.Now()
	prev := NewIDAt(at)
	for i := 0; i < 100; i++ {
		next := NewIDAt(at)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestIsID(t *testing.T) {
	assert.True(t, IsID(NewID()))
	assert.False(t, IsID(""))
	assert.False(t, IsID("not-a-ulid"))
	assert.False(t, IsID("01ARZ3NDEKTSV4RRFFQ69G5FA_"))
}
