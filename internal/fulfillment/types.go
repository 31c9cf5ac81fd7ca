package fulfillment

import "time"

// Status is the lifecycle state of a fulfillment record.
type Status string

const (
	StatusPaid              Status = "paid"
	StatusPaymentNotPaid    Status = "payment_not_paid"
	StatusNeedsInput        Status = "needs_input"
	StatusVerified          Status = "verified"
	StatusFulfillmentFailed Status = "fulfillment_failed"
	StatusFulfilled         Status = "fulfilled"
)

// statuses in ascending rank order
var statuses = []Status{
	StatusPaid,
	StatusPaymentNotPaid,
	StatusNeedsInput,
	StatusVerified,
	StatusFulfillmentFailed,
	StatusFulfilled,
}

// Rank orders statuses so that a write never moves a record backwards.
// Equal ranks may replace each other (verified <-> fulfillment_failed on retry).
func (s Status) Rank() int {
	switch s {
	case StatusPaid, StatusPaymentNotPaid:
		return 1
	case StatusNeedsInput:
		return 2
	case StatusVerified, StatusFulfillmentFailed:
		return 3
	case StatusFulfilled:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.Rank() > 0 }

// Record is one row of the fulfillments table.
//
// On Upsert, nil pointers and an empty ProductID mean "not carried by this event" and never
// overwrite a stored value.
type Record struct {
	ID                    int64      `db:"id" json:"id"`
	CheckoutSessionID     *string    `db:"checkout_session_id" json:"checkout_session_id,omitempty"`
	VerificationSessionID *string    `db:"verification_session_id" json:"verification_session_id,omitempty"`
	CustomerEmail         *string    `db:"customer_email" json:"customer_email,omitempty"`
	ProductID             string     `db:"product_id" json:"product_id"`
	PromoCode             *string    `db:"promo_code" json:"promo_code,omitempty"`
	Status                Status     `db:"status" json:"status"`
	Payload               string     `db:"payload" json:"payload"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
	NotifiedAt            *time.Time `db:"notified_at" json:"notified_at,omitempty"`
}

// Snapshot is the aggregate view served by the health endpoint.
type Snapshot struct {
	Total     int64 `db:"total" json:"total"`
	Verified  int64 `db:"verified" json:"verified"`
	Fulfilled int64 `db:"fulfilled" json:"fulfilled"`
	Last24h   int64 `db:"last_24h" json:"last_24h"`
}

// Key returns whichever session id identifies the record, for logging.
func (r *Record) Key() string {
	if r.CheckoutSessionID != nil {
		return *r.CheckoutSessionID
	}
	if r.VerificationSessionID != nil {
		return *r.VerificationSessionID
	}
	return ""
}

// String returns a pointer to s, or nil when s is empty.
func String(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
