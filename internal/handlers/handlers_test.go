package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/dispatch"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/provisioning"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/webhook"
)

const testSecret = "whsec_handler_test"

func init() {
	gin.SetMode(gin.TestMode)
}

// --- fakes ---

type fakeDispatcher struct {
	calls   int
	receipt dispatch.Receipt
	err     error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, ev *webhook.Event) (dispatch.Receipt, error) {
	f.calls++
	if f.err != nil {
		return dispatch.Receipt{}, f.err
	}
	r := f.receipt
	r.Received, r.EventID, r.Type = true, ev.ID, ev.Type
	return r, nil
}

type fakeLedger struct {
	records   map[string]*idempotency.DeliveryRecord
	createErr error
	retries   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: map[string]*idempotency.DeliveryRecord{}}
}

func (f *fakeLedger) CreateIfNotExists(ctx context.Context, eventID, eventType string) (bool, error) {
	if f.createErr != nil {
		return false, f.createErr
	}
	if _, ok := f.records[eventID]; ok {
		return false, nil
	}
	f.records[eventID] = &idempotency.DeliveryRecord{EventID: eventID, EventType: eventType, Status: idempotency.StatusInProgress, Attempts: 1}
	return true, nil
}

func (f *fakeLedger) Get(ctx context.Context, eventID string) (*idempotency.DeliveryRecord, error) {
	return f.records[eventID], nil
}

func (f *fakeLedger) Retry(ctx context.Context, eventID string) error {
	f.retries++
	if rec, ok := f.records[eventID]; ok {
		rec.Status = idempotency.StatusInProgress
		rec.Attempts++
	}
	return nil
}

// MarkDone and MarkFailed only touch existing entries, like the conditional updates in idempotency.Store.
func (f *fakeLedger) MarkDone(ctx context.Context, eventID, responseBody string, responseStatus int) error {
	rec, ok := f.records[eventID]
	if !ok {
		return nil
	}
	rec.Status, rec.ResponseBody, rec.ResponseStatus = idempotency.StatusDone, responseBody, responseStatus
	return nil
}

func (f *fakeLedger) MarkFailed(ctx context.Context, eventID, note string) error {
	rec, ok := f.records[eventID]
	if !ok {
		return nil
	}
	rec.Status, rec.Note = idempotency.StatusFailed, note
	return nil
}

type fakeHealth struct {
	snap fulfillment.Snapshot
	err  error
}

func (f *fakeHealth) HealthSnapshot(ctx context.Context) (fulfillment.Snapshot, error) {
	return f.snap, f.err
}

type fakeMetrics struct{ counts map[string]int }

func (f *fakeMetrics) Count(ctx context.Context, metric string) error {
	f.counts[metric]++
	return nil
}

// --- helpers ---

func sign(payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventBody(id string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","created":1700000000,"data":{"object":{"id":"cs_test_1","payment_status":"paid"}}}`, id))
}

func newRouter(cfg HandlerConfig) *gin.Engine {
	if cfg.Verifier == nil {
		cfg.Verifier = webhook.NewVerifier(testSecret, 5*time.Minute)
	}
	if cfg.Health == nil {
		cfg.Health = &fakeHealth{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(RequestLogger(cfg.Logger))
	RegisterWebhookRoutes(r, cfg)
	RegisterHealthRoutes(r, cfg)
	return r
}

func post(r http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// --- tests ---

func TestWebhook_Success(t *testing.T) {
	d := &fakeDispatcher{receipt: dispatch.Receipt{Status: "paid"}}
	r := newRouter(HandlerConfig{Dispatcher: d})

	body := eventBody("evt_1")
	w := post(r, body, sign(body, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var receipt dispatch.Receipt
	if err := json.Unmarshal(w.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !receipt.Received || receipt.EventID != "evt_1" || receipt.Status != "paid" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("request id header not set")
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	d := &fakeDispatcher{}
	m := &fakeMetrics{counts: map[string]int{}}
	r := newRouter(HandlerConfig{Dispatcher: d, Metrics: m})

	body := eventBody("evt_1")
	cases := map[string]string{
		"missing":  "",
		"wrong":    "t=1700000000,v1=deadbeef",
		"expired":  sign(body, time.Now().Add(-time.Hour)),
		"tampered": sign([]byte(strings.Replace(string(body), "paid", "unpaid", 1)), time.Now()),
	}
	for name, sig := range cases {
		w := post(r, body, sig)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, w.Code)
		}
		if !strings.Contains(w.Body.String(), "invalid_signature") {
			t.Fatalf("%s: unexpected body %s", name, w.Body.String())
		}
	}
	if d.calls != 0 {
		t.Fatalf("dispatcher must not run for rejected deliveries")
	}
	if m.counts[MetricSignatureRejected] != len(cases) {
		t.Fatalf("expected %d rejections counted, got %d", len(cases), m.counts[MetricSignatureRejected])
	}
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	d := &fakeDispatcher{}
	r := newRouter(HandlerConfig{Dispatcher: d, BodyLimit: 16})

	body := eventBody("evt_1")
	w := post(r, body, sign(body, time.Now()))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if d.calls != 0 {
		t.Fatalf("dispatcher must not run")
	}
}

func TestWebhook_DispatchErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"invalid payload", fmt.Errorf("%w: no session id", webhook.ErrInvalidPayload), http.StatusBadRequest, "invalid_payload"},
		{"store down", fmt.Errorf("record verified: %w", fulfillment.ErrStoreUnavailable), http.StatusInternalServerError, "processing_failed"},
		{"relay rejected", fmt.Errorf("provision: %w", provisioning.ErrRejected), http.StatusInternalServerError, "processing_failed"},
	}
	for _, tc := range cases {
		r := newRouter(HandlerConfig{Dispatcher: &fakeDispatcher{err: tc.err}})
		body := eventBody("evt_1")
		w := post(r, body, sign(body, time.Now()))
		if w.Code != tc.code || !strings.Contains(w.Body.String(), tc.body) {
			t.Fatalf("%s: got %d %s", tc.name, w.Code, w.Body.String())
		}
	}
}

func TestWebhook_LedgerReplaysDoneEvents(t *testing.T) {
	d := &fakeDispatcher{receipt: dispatch.Receipt{Status: "paid"}}
	ledger := newFakeLedger()
	r := newRouter(HandlerConfig{Dispatcher: d, Ledger: ledger})

	body := eventBody("evt_1")
	first := post(r, body, sign(body, time.Now()))
	second := post(r, body, sign(body, time.Now()))

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", first.Code, second.Code)
	}
	if d.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", d.calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed receipt differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if ledger.records["evt_1"].Status != idempotency.StatusDone {
		t.Fatalf("ledger not marked done: %+v", ledger.records["evt_1"])
	}
}

func TestWebhook_LedgerRetriesFailedEvents(t *testing.T) {
	d := &fakeDispatcher{err: fulfillment.ErrStoreUnavailable}
	ledger := newFakeLedger()
	r := newRouter(HandlerConfig{Dispatcher: d, Ledger: ledger})

	body := eventBody("evt_1")
	if w := post(r, body, sign(body, time.Now())); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if ledger.records["evt_1"].Status != idempotency.StatusFailed {
		t.Fatalf("ledger not marked failed")
	}

	d.err = nil
	d.receipt = dispatch.Receipt{Status: "paid"}
	if w := post(r, body, sign(body, time.Now())); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", w.Code)
	}
	if d.calls != 2 || ledger.retries != 1 {
		t.Fatalf("expected redelivery to dispatch again: calls=%d retries=%d", d.calls, ledger.retries)
	}
	if rec := ledger.records["evt_1"]; rec.Status != idempotency.StatusDone || rec.Attempts != 2 {
		t.Fatalf("unexpected ledger record: %+v", rec)
	}
}

func TestWebhook_LedgerUnavailable(t *testing.T) {
	d := &fakeDispatcher{receipt: dispatch.Receipt{Status: "paid"}}
	ledger := newFakeLedger()
	ledger.createErr = errors.New("throttled")
	core, logs := observer.New(zap.WarnLevel)
	r := newRouter(HandlerConfig{Dispatcher: d, Ledger: ledger, Logger: zap.New(core)})

	body := eventBody("evt_1")
	if w := post(r, body, sign(body, time.Now())); w.Code != http.StatusOK {
		t.Fatalf("ledger errors must not fail the delivery, got %d", w.Code)
	}
	if d.calls != 1 {
		t.Fatalf("expected dispatch, got %d", d.calls)
	}
	if n := logs.FilterMessage("delivery ledger unavailable").Len(); n != 1 {
		t.Fatalf("expected the ledger error to be logged once, got %d", n)
	}
	if len(ledger.records) != 0 {
		t.Fatalf("no ledger entry should appear when create failed: %v", ledger.records)
	}

	// a failing dispatch with an unavailable ledger still answers 500
	d.err = fulfillment.ErrStoreUnavailable
	if w := post(r, body, sign(body, time.Now())); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	h := &fakeHealth{snap: fulfillment.Snapshot{Total: 5, Verified: 1, Fulfilled: 3, Last24h: 2}}
	r := newRouter(HandlerConfig{Dispatcher: &fakeDispatcher{}, Health: h})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "ok" || got["fulfilled"] != float64(3) || got["last_24h"] != float64(2) || got["total"] != float64(5) {
		t.Fatalf("unexpected health body: %v", got)
	}

	h.err = fulfillment.ErrStoreUnavailable
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
