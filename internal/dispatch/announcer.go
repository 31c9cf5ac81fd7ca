package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/notify"
)

// Announcer sends the credentials email for fulfilled records. The dispatcher, the recovery
// worker and the operator CLI all go through it, so notified_at is stamped the same way.
type Announcer struct {
	store   Store
	mailer  Mailer
	subject string
	logger  *zap.Logger
}

// NewAnnouncer returns an Announcer.
func NewAnnouncer(store Store, mailer Mailer, subject string, logger *zap.Logger) *Announcer {
	return &Announcer{store: store, mailer: mailer, subject: subject, logger: logger}
}

// Announce renders the relay response stored on rec and emails it to the customer.
// notified_at is stamped only after the SMTP server accepted the message.
func (a *Announcer) Announce(ctx context.Context, rec *fulfillment.Record) error {
	if rec.Status != fulfillment.StatusFulfilled {
		return fmt.Errorf("%w: %s is %s", ErrNotFulfilled, rec.Key(), rec.Status)
	}
	to := fulfillment.Deref(rec.CustomerEmail)
	if to == "" {
		return ErrMissingEmail
	}

	creds, err := notify.CredentialsFromPayload(rec.ProductID, rec.Payload)
	if err != nil {
		return err
	}
	body, err := notify.RenderCredentials(creds)
	if err != nil {
		return err
	}

	if err := a.mailer.Send(ctx, notify.Message{To: to, Subject: a.subject, HTML: body}); err != nil {
		return err
	}

	if _, err := a.store.MarkNotified(ctx, rec.ID); err != nil {
		return fmt.Errorf("email sent but not recorded: %w", err)
	}
	a.logger.Info("credentials email sent",
		zap.Int64("record_id", rec.ID),
		zap.String("session", rec.Key()),
	)
	return nil
}

// Resend finds the record for the given session ids and announces it. Records already
// notified are skipped unless force is set. Reports whether an email went out.
func (a *Announcer) Resend(ctx context.Context, checkoutID, verificationID string, force bool) (bool, error) {
	rec, err := a.store.FindBySession(ctx, checkoutID, verificationID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, fmt.Errorf("%w: checkout=%q verification=%q", ErrRecordNotFound, checkoutID, verificationID)
	}
	if rec.NotifiedAt != nil && !force {
		a.logger.Info("credentials email already sent, skipping",
			zap.Int64("record_id", rec.ID),
			zap.Time("notified_at", *rec.NotifiedAt),
		)
		return false, nil
	}
	if err := a.Announce(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}
