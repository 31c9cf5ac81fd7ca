package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/dispatch"
)

// Resender re-sends the credentials email for one record. *dispatch.Announcer implements it.
type Resender interface {
	Resend(ctx context.Context, checkoutID, verificationID string, force bool) (bool, error)
}

// Processor handles notification recovery messages from SQS.
type Processor struct {
	resender Resender
	logger   *zap.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(resender Resender, logger *zap.Logger) *Processor {
	return &Processor{resender: resender, logger: logger}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			// returning the error makes Lambda retry the batch; repeated failures end in the DLQ
			p.logger.Error("recovery message failed", zap.String("sqs_message_id", rec.MessageId), zap.Error(err))
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg dispatch.RecoveryMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.CheckoutSessionID == "" && msg.VerificationSessionID == "" {
		p.logger.Warn("recovery message without session ids, dropping", zap.String("message_id", msg.MessageID))
		return nil
	}

	log := p.logger.With(
		zap.String("message_id", msg.MessageID),
		zap.String("event_id", msg.EventID),
		zap.String("checkout_session_id", msg.CheckoutSessionID),
		zap.String("verification_session_id", msg.VerificationSessionID),
	)
	log.Info("resending credentials email", zap.String("reason", msg.Reason))

	sent, err := p.resender.Resend(ctx, msg.CheckoutSessionID, msg.VerificationSessionID, false)
	switch {
	case errors.Is(err, dispatch.ErrRecordNotFound), errors.Is(err, dispatch.ErrNotFulfilled):
		// nothing a retry could fix
		log.Warn("recovery message not applicable, dropping", zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("resend %s: %w", msg.MessageID, err)
	}

	if sent {
		log.Info("credentials email recovered")
	} else {
		log.Info("already notified")
	}
	return nil
}
