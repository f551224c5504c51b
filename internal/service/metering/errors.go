package metering

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrQuotaExceeded        = errors.New("event limit exceeded")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrInvalidPeriod        = errors.New("period end must be after period start")
)

// QuotaError carries the limit that stopped an admission.
// errors.Is(err, ErrQuotaExceeded) holds for it.
type QuotaError struct {
	SubscriptionID string
	Limit          int64
	Consumed       int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("event limit exceeded: %d of %d events used", e.Consumed, e.Limit)
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }
