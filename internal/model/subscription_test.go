package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscription_ThresholdsReached(t *testing.T) {
	s := &Subscription{EventLimit: 10, AlertThresholds: PercentList{80, 100}}
	assert.Equal(t, []int{80}, s.ThresholdsReached(8))
	assert.Equal(t, []int{100}, s.ThresholdsReached(10))
	assert.Empty(t, s.ThresholdsReached(9))

	shared := &Subscription{EventLimit: 2, AlertThresholds: PercentList{50, 80, 100}}
	assert.Equal(t, []int{50, 80}, shared.ThresholdsReached(1))
	assert.Equal(t, []int{100}, shared.ThresholdsReached(2))

	tiny := &Subscription{EventLimit: 1, AlertThresholds: PercentList{10}}
	assert.Empty(t, tiny.ThresholdsReached(0), "a zero mark never fires")
}
