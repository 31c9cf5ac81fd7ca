package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// Event types the dispatcher acts on. Everything else is acknowledged and ignored.
const (
	EventCheckoutCompleted         = "checkout.session.completed"
	EventVerificationVerified      = "identity.verification_session.verified"
	EventVerificationRequiresInput = "identity.verification_session.requires_input"
)

// SignatureHeader is the header Stripe signs deliveries with.
const SignatureHeader = "Stripe-Signature"

var (
	// ErrSignatureInvalid covers a missing or malformed header, a bad signature, a stale
	// timestamp and a body that does not parse as an event. The sender should not retry.
	ErrSignatureInvalid = errors.New("invalid webhook signature")
	// ErrInvalidPayload means the event verified but its object is unusable.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// Event is a verified delivery with the vendor envelope stripped.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	// Object is the raw data.object of the event (a checkout or verification session).
	Object json.RawMessage
	// Body is the exact payload that was signed.
	Body []byte
}

// Verifier checks Stripe webhook signatures against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier returns a Verifier. tolerance bounds how old a signed timestamp may be.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify authenticates body against the Stripe-Signature header value. body must be the raw
// request bytes; re-encoded JSON will not verify.
func (v *Verifier) Verify(body []byte, header string) (*Event, error) {
	if header == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, SignatureHeader)
	}

	ev, err := stripewebhook.ConstructEventWithOptions(body, header, v.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: event without id or type", ErrSignatureInvalid)
	}

	out := &Event{
		ID:       ev.ID,
		Type:     string(ev.Type),
		Created:  time.Unix(ev.Created, 0).UTC(),
		Livemode: ev.Livemode,
		Body:     body,
	}
	if ev.Data != nil {
		out.Object = ev.Data.Raw
	}
	return out, nil
}
