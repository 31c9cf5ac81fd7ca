package idempotency

import "time"

// Status values for delivery entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// DeliveryRecord is the shape persisted in the delivery DynamoDB table, one item per Stripe event id.
type DeliveryRecord struct {
	EventID        string    `dynamodbav:"event_id"` // PK
	EventType      string    `dynamodbav:"event_type"`
	Status         string    `dynamodbav:"status"`
	Attempts       int       `dynamodbav:"attempts"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`   // receipt JSON replayed for DONE events
	ResponseStatus int       `dynamodbav:"response_status,omitempty"` // e.g., 200
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}
