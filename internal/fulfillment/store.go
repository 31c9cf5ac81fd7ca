package fulfillment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrStoreUnavailable wraps every database failure. Callers treat it as retryable.
	ErrStoreUnavailable = errors.New("fulfillment store unavailable")
	// ErrInvalidRecord is returned for writes with no session id, an unknown status or a non-JSON payload.
	ErrInvalidRecord = errors.New("invalid fulfillment record")
	// ErrKeyConflict means a verification session is already linked to a different checkout session.
	ErrKeyConflict = errors.New("session id conflict")
)

const selectColumns = `id, checkout_session_id, verification_session_id, customer_email, product_id,
	promo_code, status, payload, created_at, updated_at, notified_at`

// upsertTemplate: %[1]s is the conflict column, %[2]s/%[3]s the stored/incoming status ranks.
// Status and payload travel together so the payload always describes the stored status.
const upsertTemplate = `INSERT INTO fulfillments (
	checkout_session_id, verification_session_id, customer_email, product_id,
	promo_code, status, payload, created_at, updated_at
) VALUES (
	:checkout_session_id, :verification_session_id, :customer_email, COALESCE(:product_id, :default_product_id),
	:promo_code, :status, :payload, :now, :now
)
ON CONFLICT (%[1]s) DO UPDATE SET
	checkout_session_id = COALESCE(excluded.checkout_session_id, fulfillments.checkout_session_id),
	verification_session_id = COALESCE(excluded.verification_session_id, fulfillments.verification_session_id),
	customer_email = COALESCE(excluded.customer_email, fulfillments.customer_email),
	product_id = COALESCE(:product_id, fulfillments.product_id),
	promo_code = COALESCE(excluded.promo_code, fulfillments.promo_code),
	status = CASE WHEN %[2]s > %[3]s THEN fulfillments.status ELSE excluded.status END,
	payload = CASE WHEN %[2]s > %[3]s THEN fulfillments.payload ELSE excluded.payload END,
	updated_at = excluded.updated_at`

// Store persists fulfillment records in a single SQL table. Races between concurrent
// deliveries are settled by the unique constraints on the two session id columns.
type Store struct {
	db               *sqlx.DB
	defaultProductID string
	upsertByCheckout string
	upsertByVerify   string
	nowFunc          func() time.Time
}

// NewStore returns a Store over db. defaultProductID is stored when no event has named a product.
func NewStore(db *sqlx.DB, defaultProductID string) *Store {
	stored, incoming := rankSQL("fulfillments.status"), rankSQL("excluded.status")
	return &Store{
		db:               db,
		defaultProductID: defaultProductID,
		upsertByCheckout: fmt.Sprintf(upsertTemplate, "checkout_session_id", stored, incoming),
		upsertByVerify:   fmt.Sprintf(upsertTemplate, "verification_session_id", stored, incoming),
		nowFunc:          time.Now,
	}
}

// Upsert inserts rec or merges it into the existing row for its session id.
//
// Present fields overwrite stored ones and absent fields keep them. Status and payload are
// replaced unless the stored status ranks higher. When rec carries both session ids and
// an earlier event stored the verification session on its own row, that row is linked to the
// checkout session first (or folded into the checkout row if both exist).
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	rec.CheckoutSessionID = String(Deref(rec.CheckoutSessionID))
	rec.VerificationSessionID = String(Deref(rec.VerificationSessionID))
	rec.CustomerEmail = String(Deref(rec.CustomerEmail))
	rec.PromoCode = String(Deref(rec.PromoCode))
	if rec.Payload == "" {
		rec.Payload = "{}"
	}
	if err := rec.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if rec.CheckoutSessionID != nil && rec.VerificationSessionID != nil {
		if err := s.linkVerification(ctx, tx, &rec); err != nil {
			return err
		}
	}

	query := s.upsertByCheckout
	if rec.CheckoutSessionID == nil {
		query = s.upsertByVerify
	}
	args := map[string]interface{}{
		"checkout_session_id":     nullable(rec.CheckoutSessionID),
		"verification_session_id": nullable(rec.VerificationSessionID),
		"customer_email":          nullable(rec.CustomerEmail),
		"product_id":              nullable(String(rec.ProductID)),
		"default_product_id":      s.defaultProductID,
		"promo_code":              nullable(rec.PromoCode),
		"status":                  string(rec.Status),
		"payload":                 rec.Payload,
		"now":                     s.nowFunc().UTC(),
	}
	if _, err := tx.NamedExecContext(ctx, query, args); err != nil {
		return unavailable("upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (r *Record) check() error {
	if r.CheckoutSessionID == nil && r.VerificationSessionID == nil {
		return fmt.Errorf("%w: no session id", ErrInvalidRecord)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	if !json.Valid([]byte(r.Payload)) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidRecord)
	}
	return nil
}

func (s *Store) linkVerification(ctx context.Context, tx *sqlx.Tx, rec *Record) error {
	checkoutID, verificationID := *rec.CheckoutSessionID, *rec.VerificationSessionID

	linked, err := s.getBy(ctx, tx, "verification_session_id", verificationID)
	if err != nil || linked == nil {
		return err
	}
	if linked.CheckoutSessionID != nil {
		if *linked.CheckoutSessionID == checkoutID {
			return nil
		}
		return fmt.Errorf("%w: verification session %s belongs to checkout %s",
			ErrKeyConflict, verificationID, *linked.CheckoutSessionID)
	}

	owner, err := s.getBy(ctx, tx, "checkout_session_id", checkoutID)
	if err != nil {
		return err
	}
	if owner == nil {
		// verification arrived first; give its row the checkout id
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE fulfillments SET checkout_session_id = ? WHERE id = ?`),
			checkoutID, linked.ID); err != nil {
			return unavailable("link verification", err)
		}
		return nil
	}

	s.absorb(rec, linked, owner)
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM fulfillments WHERE id = ?`), linked.ID); err != nil {
		return unavailable("fold verification", err)
	}
	if linked.NotifiedAt != nil {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE fulfillments SET notified_at = COALESCE(notified_at, ?) WHERE id = ?`),
			*linked.NotifiedAt, owner.ID); err != nil {
			return unavailable("fold verification", err)
		}
	}
	return nil
}

// absorb carries values from a row about to be folded away into the incoming write.
// A product named on the folded row replaces the owner's default product, never an explicit one.
func (s *Store) absorb(rec, from, owner *Record) {
	if rec.CustomerEmail == nil {
		rec.CustomerEmail = from.CustomerEmail
	}
	if rec.PromoCode == nil {
		rec.PromoCode = from.PromoCode
	}
	if rec.ProductID == "" && from.ProductID != s.defaultProductID && owner.ProductID == s.defaultProductID {
		rec.ProductID = from.ProductID
	}
	if from.Status.Rank() > rec.Status.Rank() {
		rec.Status = from.Status
		rec.Payload = from.Payload
	}
}

// FindBySession returns the record for checkoutID, falling back to verificationID.
// Empty ids are skipped. Returns (nil, nil) if neither matches.
func (s *Store) FindBySession(ctx context.Context, checkoutID, verificationID string) (*Record, error) {
	if checkoutID != "" {
		rec, err := s.getBy(ctx, s.db, "checkout_session_id", checkoutID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if verificationID != "" {
		return s.getBy(ctx, s.db, "verification_session_id", verificationID)
	}
	return nil, nil
}

func (s *Store) getBy(ctx context.Context, q sqlx.QueryerContext, column, value string) (*Record, error) {
	var rec Record
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM fulfillments WHERE ` + column + ` = ?`)
	if err := sqlx.GetContext(ctx, q, &rec, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("select by "+column, err)
	}
	return &rec, nil
}

// MarkNotified stamps notified_at once. Returns false if it was already set.
func (s *Store) MarkNotified(ctx context.Context, id int64) (bool, error) {
	now := s.nowFunc().UTC()
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE fulfillments SET notified_at = ?, updated_at = ? WHERE id = ? AND notified_at IS NULL`),
		now, now, id)
	if err != nil {
		return false, unavailable("mark notified", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("mark notified", err)
	}
	return n > 0, nil
}

// ListUnnotified returns fulfilled records whose credentials email has not been delivered, oldest first.
func (s *Store) ListUnnotified(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []Record
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM fulfillments
	WHERE status = ? AND notified_at IS NULL
	ORDER BY updated_at
	LIMIT ?`)
	if err := s.db.SelectContext(ctx, &recs, query, string(StatusFulfilled), limit); err != nil {
		return nil, unavailable("list unnotified", err)
	}
	return recs, nil
}

// HealthSnapshot counts verified and fulfilled rows and rows written in the last 24 hours.
func (s *Store) HealthSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	query := s.db.Rebind(`SELECT
	COUNT(*) AS total,
	COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS verified,
	COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS fulfilled,
	COALESCE(SUM(CASE WHEN updated_at >= ? THEN 1 ELSE 0 END), 0) AS last_24h
FROM fulfillments`)
	cutoff := s.nowFunc().UTC().Add(-24 * time.Hour)
	if err := s.db.GetContext(ctx, &snap, query, string(StatusVerified), string(StatusFulfilled), cutoff); err != nil {
		return Snapshot{}, unavailable("health snapshot", err)
	}
	return snap, nil
}

func rankSQL(col string) string {
	var b strings.Builder
	b.WriteString("(CASE ")
	b.WriteString(col)
	for _, st := range statuses {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", st, st.Rank())
	}
	b.WriteString(" ELSE 0 END)")
	return b.String()
}

func nullable(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
