package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/notify"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/provisioning"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/webhook"
)

// Dispatcher routes verified events to the store, the provisioning relay and the announcer.
// It holds no per-event state; every call is safe to repeat for the same event.
type Dispatcher struct {
	store     Store
	extractor *webhook.Extractor
	relay     Provisioner
	announcer *Announcer
	recovery  Publisher
	metrics   Metrics
	logger    *zap.Logger
	nowFunc   func() time.Time
}

// Option configures optional collaborators.
type Option func(*Dispatcher)

// WithRecoveryQueue publishes a RecoveryMessage whenever the credentials email fails.
func WithRecoveryQueue(p Publisher) Option {
	return func(d *Dispatcher) { d.recovery = p }
}

// WithMetrics counts outcomes.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New returns a Dispatcher.
func New(store Store, relay Provisioner, announcer *Announcer, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		extractor: webhook.NewExtractor(),
		relay:     relay,
		announcer: announcer,
		logger:    logger,
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles one verified event. A nil error means the event may be acknowledged.
// Errors wrapping webhook.ErrInvalidPayload are not worth redelivering; any other error is.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *webhook.Event) (Receipt, error) {
	receipt := Receipt{Received: true, EventID: ev.ID, Type: ev.Type}
	log := d.logger.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))
	d.count(ctx, MetricEventsReceived)

	var err error
	switch ev.Type {
	case webhook.EventCheckoutCompleted:
		receipt.Status, err = d.handleCheckout(ctx, ev, log)
	case webhook.EventVerificationVerified:
		receipt.Status, receipt.Note, err = d.handleVerified(ctx, ev, log)
	case webhook.EventVerificationRequiresInput:
		receipt.Status, err = d.handleRequiresInput(ctx, ev, log)
	default:
		log.Debug("ignoring event type")
		receipt.Status = StatusIgnored
		return receipt, nil
	}
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (d *Dispatcher) handleCheckout(ctx context.Context, ev *webhook.Event, log *zap.Logger) (string, error) {
	c, err := d.extract(ev, log)
	if err != nil {
		return "", err
	}

	status := fulfillment.StatusPaymentNotPaid
	if c.PaymentStatus == "paid" {
		status = fulfillment.StatusPaid
	}
	if err := d.store.Upsert(ctx, record(c, status, string(ev.Body))); err != nil {
		return "", fmt.Errorf("record checkout: %w", err)
	}

	log.Info("checkout recorded",
		zap.String("checkout_session_id", c.CheckoutSessionID),
		zap.String("payment_status", c.PaymentStatus),
		zap.String("status", string(status)),
	)
	return string(status), nil
}

func (d *Dispatcher) handleRequiresInput(ctx context.Context, ev *webhook.Event, log *zap.Logger) (string, error) {
	c, err := d.extract(ev, log)
	if err != nil {
		return "", err
	}
	if err := d.store.Upsert(ctx, record(c, fulfillment.StatusNeedsInput, string(ev.Body))); err != nil {
		return "", fmt.Errorf("record requires_input: %w", err)
	}

	log.Info("verification needs input",
		zap.String("verification_session_id", c.VerificationSessionID),
		zap.String("reason", c.Reason),
	)
	return string(fulfillment.StatusNeedsInput), nil
}

func (d *Dispatcher) handleVerified(ctx context.Context, ev *webhook.Event, log *zap.Logger) (string, string, error) {
	c, err := d.extract(ev, log)
	if err != nil {
		return "", "", err
	}
	log = log.With(
		zap.String("verification_session_id", c.VerificationSessionID),
		zap.String("checkout_session_id", c.CheckoutSessionID),
	)

	if err := d.store.Upsert(ctx, record(c, fulfillment.StatusVerified, string(ev.Body))); err != nil {
		return "", "", fmt.Errorf("record verified: %w", err)
	}

	// read back the merged row: email and product usually come from the checkout event
	rec, err := d.store.FindBySession(ctx, c.CheckoutSessionID, c.VerificationSessionID)
	if err != nil {
		return "", "", fmt.Errorf("load record: %w", err)
	}
	if rec == nil {
		return "", "", fmt.Errorf("%w: record for %s missing after write", fulfillment.ErrStoreUnavailable, c.VerificationSessionID)
	}

	if rec.Status == fulfillment.StatusFulfilled {
		if rec.NotifiedAt != nil {
			log.Info("already fulfilled and notified, suppressing redelivery")
			return string(fulfillment.StatusFulfilled), NoteAlreadyFulfilled, nil
		}
		log.Info("already fulfilled but never notified, resending email")
		if d.notify(ctx, ev, rec, log) {
			return string(fulfillment.StatusFulfilled), NoteRenotified, nil
		}
		return string(fulfillment.StatusFulfilled), NoteNotifyFailed, nil
	}

	email := fulfillment.Deref(rec.CustomerEmail)
	if email == "" {
		d.recordFailure(ctx, c, ErrMissingEmail, log)
		return "", "", ErrMissingEmail
	}

	resp, err := d.relay.Provision(ctx, provisioning.Request{
		Email:                 email,
		VerificationSessionID: c.VerificationSessionID,
		ProductID:             rec.ProductID,
		PromoCode:             fulfillment.Deref(rec.PromoCode),
		CheckoutSessionID:     fulfillment.Deref(rec.CheckoutSessionID),
	})
	if err != nil {
		d.recordFailure(ctx, c, err, log)
		return "", "", fmt.Errorf("provision: %w", err)
	}

	if err := d.store.Upsert(ctx, record(c, fulfillment.StatusFulfilled, string(resp.Raw))); err != nil {
		// the relay is expected to be idempotent; redelivery will call it again
		return "", "", fmt.Errorf("record fulfilled: %w", err)
	}
	d.count(ctx, MetricFulfilled)
	log.Info("fulfilled", zap.String("product_id", rec.ProductID))

	rec.Status = fulfillment.StatusFulfilled
	rec.Payload = string(resp.Raw)
	if !d.notify(ctx, ev, rec, log) {
		return string(fulfillment.StatusFulfilled), NoteNotifyFailed, nil
	}
	return string(fulfillment.StatusFulfilled), "", nil
}

func (d *Dispatcher) extract(ev *webhook.Event, log *zap.Logger) (*webhook.Customer, error) {
	c, err := d.extractor.Extract(ev)
	if err != nil {
		return nil, err
	}
	if len(c.Ignored) > 0 {
		log.Warn("ignoring malformed session fields", zap.Strings("fields", c.Ignored))
	}
	return c, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, c *webhook.Customer, cause error, log *zap.Logger) {
	d.count(ctx, MetricFulfillmentFailed)
	log.Error("provisioning failed", zap.Error(cause))

	payload, _ := json.Marshal(map[string]string{
		"error":  cause.Error(),
		"failed": d.nowFunc().UTC().Format(time.RFC3339),
	})
	if err := d.store.Upsert(ctx, record(c, fulfillment.StatusFulfillmentFailed, string(payload))); err != nil {
		log.Error("could not record fulfillment failure", zap.Error(err))
	}
}

// notify sends the credentials email. Failures never undo the fulfilled status; delivery
// failures are queued for the recovery worker when a queue is configured.
func (d *Dispatcher) notify(ctx context.Context, ev *webhook.Event, rec *fulfillment.Record, log *zap.Logger) bool {
	err := d.announcer.Announce(ctx, rec)
	if err == nil {
		d.count(ctx, MetricNotificationSent)
		return true
	}

	d.count(ctx, MetricNotificationFailed)
	log.Warn("credentials email failed, record stays fulfilled", zap.Error(err))
	if !errors.Is(err, notify.ErrDeliveryFailed) || d.recovery == nil {
		return false
	}

	msg := RecoveryMessage{
		MessageID:             uuid.NewString(),
		EventID:               ev.ID,
		CheckoutSessionID:     fulfillment.Deref(rec.CheckoutSessionID),
		VerificationSessionID: fulfillment.Deref(rec.VerificationSessionID),
		Reason:                err.Error(),
		QueuedAt:              d.nowFunc().UTC(),
	}
	body, _ := json.Marshal(msg)
	attrs := map[string]string{
		"message_id": msg.MessageID,
		"event_id":   msg.EventID,
	}
	if qerr := d.recovery.SendMessage(ctx, string(body), attrs); qerr != nil {
		log.Error("could not queue notification recovery", zap.Error(qerr))
	} else {
		log.Info("notification queued for recovery", zap.String("message_id", msg.MessageID))
	}
	return false
}

func (d *Dispatcher) count(ctx context.Context, metric string) {
	if d.metrics == nil {
		return
	}
	if err := d.metrics.Count(ctx, metric); err != nil {
		d.logger.Debug("metric not published", zap.String("metric", metric), zap.Error(err))
	}
}

func record(c *webhook.Customer, status fulfillment.Status, payload string) fulfillment.Record {
	return fulfillment.Record{
		CheckoutSessionID:     fulfillment.String(c.CheckoutSessionID),
		VerificationSessionID: fulfillment.String(c.VerificationSessionID),
		CustomerEmail:         fulfillment.String(c.Email),
		ProductID:             c.ProductID,
		PromoCode:             fulfillment.String(c.PromoCode),
		Status:                status,
		Payload:               payload,
	}
}
