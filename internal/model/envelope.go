package model

// Envelope is the payload relayed to Kafka for every admitted event.
type Envelope struct {
	ID        string `json:"id"`       // event ULID
	OwnerID   string `json:"owner_id"` // subscription owner
	ProjectID string `json:"project_id"`
	Event     Event  `json:"event"`
}

// UsageAlert is emitted when a subscription's consumed count lands on one of
// its alert thresholds.
type UsageAlert struct {
	SubscriptionID string `json:"subscription_id"`
	OwnerID        string `json:"owner_id"`
	ProjectID      string `json:"project_id"`
	Threshold      int    `json:"threshold"` // percent
	Consumed       int64  `json:"consumed"`
	Limit          int64  `json:"limit"`
}
