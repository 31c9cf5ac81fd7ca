package fulfillment

import (
	"context"
	"fmt"
	"strings"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/database"
)

func statusList() string {
	quoted := make([]string, 0, len(statuses))
	for _, s := range statuses {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return strings.Join(quoted, ", ")
}

func schemaFor(driver string) []string {
	switch driver {
	case database.DriverPostgres:
		return []string{
			`CREATE TABLE IF NOT EXISTS fulfillments (
	id BIGSERIAL PRIMARY KEY,
	checkout_session_id TEXT UNIQUE,
	verification_session_id TEXT UNIQUE,
	customer_email TEXT,
	product_id TEXT NOT NULL,
	promo_code TEXT,
	status TEXT NOT NULL CHECK (status IN (` + statusList() + `)),
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	notified_at TIMESTAMPTZ,
	CHECK (checkout_session_id IS NOT NULL OR verification_session_id IS NOT NULL)
)`,
			`CREATE INDEX IF NOT EXISTS fulfillments_status_idx ON fulfillments (status)`,
			`CREATE INDEX IF NOT EXISTS fulfillments_updated_at_idx ON fulfillments (updated_at)`,
		}
	default:
		return []string{
			`CREATE TABLE IF NOT EXISTS fulfillments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	checkout_session_id TEXT UNIQUE,
	verification_session_id TEXT UNIQUE,
	customer_email TEXT,
	product_id TEXT NOT NULL,
	promo_code TEXT,
	status TEXT NOT NULL CHECK (status IN (` + statusList() + `)),
	payload TEXT NOT NULL CHECK (json_valid(payload)),
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	notified_at DATETIME,
	CHECK (checkout_session_id IS NOT NULL OR verification_session_id IS NOT NULL)
)`,
			`CREATE INDEX IF NOT EXISTS fulfillments_status_idx ON fulfillments (status)`,
			`CREATE INDEX IF NOT EXISTS fulfillments_updated_at_idx ON fulfillments (updated_at)`,
		}
	}
}

// EnsureSchema creates the fulfillments table and its indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaFor(s.db.DriverName()) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
