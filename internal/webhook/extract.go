package webhook

import (
	"encoding/json"
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/validation"
)

// Metadata keys read from checkout and verification sessions.
const (
	MetaProductID         = "product_id"
	MetaPromoCode         = "promo_code"
	MetaEmail             = "email"
	MetaCheckoutSessionID = "checkout_session_id"
)

// Customer is what the rest of the service needs from a session object.
type Customer struct {
	CheckoutSessionID     string `json:"checkout_session_id" validate:"required_without=VerificationSessionID,omitempty,stripeid=cs"`
	VerificationSessionID string `json:"verification_session_id" validate:"required_without=CheckoutSessionID,omitempty,stripeid=vs"`
	Email                 string `json:"email" validate:"omitempty,email"`
	ProductID             string `json:"product_id" validate:"omitempty,max=128"`
	PromoCode             string `json:"promo_code" validate:"omitempty,max=128"`
	// PaymentStatus is set for checkout sessions ("paid", "unpaid", "no_payment_required").
	PaymentStatus string `json:"payment_status,omitempty"`
	// Reason carries last_error for verification sessions that need input.
	Reason string `json:"reason,omitempty"`
	// Ignored lists optional values that were present but unusable, e.g. "metadata.email".
	Ignored []string `json:"-"`
}

type emailHolder struct {
	Email string `json:"email"`
}

type checkoutSession struct {
	ID              string            `json:"id"`
	PaymentStatus   string            `json:"payment_status"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *emailHolder      `json:"customer_details"`
	Metadata        map[string]string `json:"metadata"`
}

type verificationSession struct {
	ID              string            `json:"id"`
	Metadata        map[string]string `json:"metadata"`
	VerifiedOutputs *emailHolder      `json:"verified_outputs"`
	ProvidedDetails *emailHolder      `json:"provided_details"`
	LastError       *struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
	} `json:"last_error"`
}

// Extractor turns verified events into validated Customer values.
type Extractor struct {
	validate *validatorv10.Validate
}

// NewExtractor returns an Extractor using the service validator.
func NewExtractor() *Extractor {
	return &Extractor{validate: validation.New()}
}

// Extract reads the session object of a checkout or verification event.
func (x *Extractor) Extract(ev *Event) (*Customer, error) {
	if len(ev.Object) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data object", ErrInvalidPayload, ev.ID)
	}

	var c *Customer
	var err error
	switch ev.Type {
	case EventCheckoutCompleted:
		c, err = x.fromCheckout(ev.Object)
	case EventVerificationVerified, EventVerificationRequiresInput:
		c, err = x.fromVerification(ev.Object)
	default:
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrInvalidPayload, ev.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, ev.Type, err)
	}

	if err := x.validate.Struct(c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, validation.FieldErrors(err))
	}
	return c, nil
}

func (x *Extractor) fromCheckout(raw json.RawMessage) (*Customer, error) {
	var cs checkoutSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, err
	}
	c := &Customer{
		CheckoutSessionID: cs.ID,
		ProductID:         cs.Metadata[MetaProductID],
		PromoCode:         cs.Metadata[MetaPromoCode],
		PaymentStatus:     cs.PaymentStatus,
	}
	var details string
	if cs.CustomerDetails != nil {
		details = cs.CustomerDetails.Email
	}
	c.Email = x.firstEmail(c,
		candidate{"customer_details.email", details},
		candidate{"customer_email", cs.CustomerEmail},
		candidate{"metadata.email", cs.Metadata[MetaEmail]},
	)
	return c, nil
}

func (x *Extractor) fromVerification(raw json.RawMessage) (*Customer, error) {
	var vs verificationSession
	if err := json.Unmarshal(raw, &vs); err != nil {
		return nil, err
	}
	c := &Customer{
		VerificationSessionID: vs.ID,
		ProductID:             vs.Metadata[MetaProductID],
		PromoCode:             vs.Metadata[MetaPromoCode],
	}

	// a broken link only loses the merge with the checkout row; the verification still counts
	if link := vs.Metadata[MetaCheckoutSessionID]; link != "" {
		if x.validate.Var(link, "stripeid=cs") == nil {
			c.CheckoutSessionID = link
		} else {
			c.Ignored = append(c.Ignored, "metadata."+MetaCheckoutSessionID)
		}
	}

	var verified, provided string
	if vs.VerifiedOutputs != nil {
		verified = vs.VerifiedOutputs.Email
	}
	if vs.ProvidedDetails != nil {
		provided = vs.ProvidedDetails.Email
	}
	c.Email = x.firstEmail(c,
		candidate{"metadata.email", vs.Metadata[MetaEmail]},
		candidate{"verified_outputs.email", verified},
		candidate{"provided_details.email", provided},
	)

	if vs.LastError != nil {
		c.Reason = firstNonEmpty(vs.LastError.Code, vs.LastError.Reason)
	}
	return c, nil
}

type candidate struct {
	source, value string
}

// firstEmail returns the first candidate that is a valid address. Malformed candidates are
// recorded on c and skipped.
func (x *Extractor) firstEmail(c *Customer, cands ...candidate) string {
	for _, cand := range cands {
		if cand.value == "" {
			continue
		}
		if x.validate.Var(cand.value, "email") == nil {
			return cand.value
		}
		c.Ignored = append(c.Ignored, cand.source)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
