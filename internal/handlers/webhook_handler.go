package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/dispatch"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/webhook"
)

// MetricSignatureRejected counts deliveries that failed verification.
const MetricSignatureRejected = "SignatureRejected"

// EventVerifier authenticates a raw delivery.
type EventVerifier interface {
	Verify(body []byte, header string) (*webhook.Event, error)
}

// EventDispatcher handles a verified event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev *webhook.Event) (dispatch.Receipt, error)
}

// DeliveryLedger remembers which event ids were already answered. *idempotency.Store implements it.
type DeliveryLedger interface {
	CreateIfNotExists(ctx context.Context, eventID, eventType string) (bool, error)
	Get(ctx context.Context, eventID string) (*idempotency.DeliveryRecord, error)
	Retry(ctx context.Context, eventID string) error
	MarkDone(ctx context.Context, eventID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, eventID, note string) error
}

// HealthReporter supplies the counters served on /health.
type HealthReporter interface {
	HealthSnapshot(ctx context.Context) (fulfillment.Snapshot, error)
}

// HandlerConfig groups dependencies for the webhook and health handlers.
type HandlerConfig struct {
	Verifier   EventVerifier
	Dispatcher EventDispatcher
	Health     HealthReporter
	Logger     *zap.Logger

	// Ledger is optional. When nil every delivery goes to the dispatcher.
	Ledger DeliveryLedger
	// Metrics is optional.
	Metrics dispatch.Metrics
	// BodyLimit caps the request body in bytes; 1 MiB when zero.
	BodyLimit int64
}

// RegisterWebhookRoutes registers POST /webhook.
func RegisterWebhookRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := &webhookHandler{HandlerConfig: cfg}
	if h.BodyLimit <= 0 {
		h.BodyLimit = 1 << 20
	}
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	r.POST("/webhook", h.handle)
}

type webhookHandler struct {
	HandlerConfig
}

func (h *webhookHandler) handle(c *gin.Context) {
	ctx := c.Request.Context()

	// the signature covers the exact bytes, so the body is read raw and never bound
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.BodyLimit))
	if err != nil {
		h.Logger.Warn("unreadable webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	ev, err := h.Verifier.Verify(body, c.GetHeader(webhook.SignatureHeader))
	if err != nil {
		h.count(ctx, MetricSignatureRejected)
		h.Logger.Warn("webhook rejected", zap.Error(err), zap.String("remote_addr", c.ClientIP()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}
	log := h.Logger.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))

	if h.replay(c, ev, log) {
		return
	}

	receipt, err := h.Dispatcher.Dispatch(ctx, ev)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			log.Warn("webhook payload rejected", zap.Error(err))
			h.markDone(ctx, ev, gin.H{"error": "invalid_payload"}, http.StatusBadRequest, log)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}
		log.Error("webhook processing failed", zap.Error(err))
		if h.Ledger != nil {
			if lerr := h.Ledger.MarkFailed(ctx, ev.ID, err.Error()); lerr != nil {
				log.Warn("delivery ledger update failed", zap.Error(lerr))
			}
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		return
	}

	h.markDone(ctx, ev, receipt, http.StatusOK, log)
	c.JSON(http.StatusOK, receipt)
}

// replay answers from the ledger when the event id was already handled to completion.
// Returns true if a response was written. Ledger failures fall through to normal processing.
func (h *webhookHandler) replay(c *gin.Context, ev *webhook.Event, log *zap.Logger) bool {
	if h.Ledger == nil {
		return false
	}
	ctx := c.Request.Context()

	created, err := h.Ledger.CreateIfNotExists(ctx, ev.ID, ev.Type)
	if err != nil {
		log.Warn("delivery ledger unavailable", zap.Error(err))
		return false
	}
	if created {
		return false
	}

	rec, err := h.Ledger.Get(ctx, ev.ID)
	if err != nil {
		log.Warn("delivery ledger unavailable", zap.Error(err))
		return false
	}
	if rec != nil && rec.Status == idempotency.StatusDone && rec.ResponseBody != "" && json.Valid([]byte(rec.ResponseBody)) {
		log.Info("replaying stored receipt", zap.Int("attempts", rec.Attempts))
		c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
		return true
	}

	if err := h.Ledger.Retry(ctx, ev.ID); err != nil {
		log.Warn("delivery ledger update failed", zap.Error(err))
	}
	return false
}

func (h *webhookHandler) markDone(ctx context.Context, ev *webhook.Event, body interface{}, status int, log *zap.Logger) {
	if h.Ledger == nil {
		return
	}
	b, err := json.Marshal(body)
	if err != nil {
		log.Warn("could not encode receipt", zap.Error(err))
		return
	}
	if err := h.Ledger.MarkDone(ctx, ev.ID, string(b), status); err != nil {
		log.Warn("delivery ledger update failed", zap.Error(fmt.Errorf("mark done: %w", err)))
	}
}

func (h *webhookHandler) count(ctx context.Context, metric string) {
	if h.Metrics == nil {
		return
	}
	if err := h.Metrics.Count(ctx, metric); err != nil {
		h.Logger.Debug("metric not published", zap.String("metric", metric), zap.Error(err))
	}
}
