package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/notify"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/provisioning"
)

// Store is the part of *fulfillment.Store the dispatcher uses.
type Store interface {
	Upsert(ctx context.Context, rec fulfillment.Record) error
	FindBySession(ctx context.Context, checkoutID, verificationID string) (*fulfillment.Record, error)
	MarkNotified(ctx context.Context, id int64) (bool, error)
}

// Provisioner forwards a verified customer to the provisioning relay.
type Provisioner interface {
	Provision(ctx context.Context, req provisioning.Request) (*provisioning.Response, error)
}

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, msg notify.Message) error
}

// Publisher puts a message on the notification recovery queue.
type Publisher interface {
	SendMessage(ctx context.Context, body string, attributes map[string]string) error
}

// Metrics counts outcomes.
type Metrics interface {
	Count(ctx context.Context, metric string) error
}

// Metric names
const (
	MetricEventsReceived     = "EventsReceived"
	MetricFulfilled          = "Fulfilled"
	MetricFulfillmentFailed  = "FulfillmentFailed"
	MetricNotificationFailed = "NotificationFailed"
	MetricNotificationSent   = "NotificationSent"
)

// StatusIgnored is reported in receipts for event types the dispatcher does not act on.
const StatusIgnored = "ignored"

// Receipt notes
const (
	NoteAlreadyFulfilled = "already_fulfilled"
	NoteRenotified       = "renotified"
	NoteNotifyFailed     = "notification_failed"
)

var (
	// ErrMissingEmail is a rejected provisioning attempt: no event has supplied an address yet.
	ErrMissingEmail = fmt.Errorf("%w: no customer email on record", provisioning.ErrRejected)
	// ErrRecordNotFound is returned by Resend when neither session id matches a record.
	ErrRecordNotFound = errors.New("fulfillment record not found")
	// ErrNotFulfilled is returned by Announce for records that have no credentials yet.
	ErrNotFulfilled = errors.New("fulfillment record is not fulfilled")
)

// Receipt is the acknowledgment body returned to the sender.
type Receipt struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Note     string `json:"note,omitempty"`
}

// RecoveryMessage asks the worker to resend the credentials email for a fulfilled record.
type RecoveryMessage struct {
	MessageID             string    `json:"message_id"`
	EventID               string    `json:"event_id,omitempty"`
	CheckoutSessionID     string    `json:"checkout_session_id,omitempty"`
	VerificationSessionID string    `json:"verification_session_id,omitempty"`
	Reason                string    `json:"reason"`
	QueuedAt              time.Time `json:"queued_at"`
}
