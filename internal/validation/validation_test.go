package validation

import (
	"testing"
)

type sessionRef struct {
	CheckoutSessionID     string `json:"checkout_session_id" validate:"omitempty,stripeid=cs"`
	VerificationSessionID string `json:"verification_session_id" validate:"required,stripeid=vs"`
	Email                 string `json:"email" validate:"omitempty,email"`
}

func TestStripeID_Valid(t *testing.T) {
	v := New()

	req := sessionRef{
		CheckoutSessionID:     "cs_test_a1b2c3",
		VerificationSessionID: "vs_1Nv0",
		Email:                 "buyer@example.com",
	}
	if err := v.Struct(req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestStripeID_WrongPrefix(t *testing.T) {
	v := New()

	req := sessionRef{
		CheckoutSessionID:     "pi_123",
		VerificationSessionID: "vs_",
	}
	err := v.Struct(req)
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	fields := FieldErrors(err)
	if fields["checkout_session_id"] != "stripeid" {
		t.Fatalf("expected stripeid failure on checkout_session_id, got %v", fields)
	}
	if fields["verification_session_id"] != "stripeid" {
		t.Fatalf("bare prefix must be rejected, got %v", fields)
	}
}

func TestFieldErrors_MissingAndEmail(t *testing.T) {
	v := New()

	err := v.Struct(sessionRef{Email: "not-an-email"})
	fields := FieldErrors(err)
	if fields["verification_session_id"] != "required" {
		t.Fatalf("expected required, got %v", fields)
	}
	if fields["email"] != "email" {
		t.Fatalf("expected email failure, got %v", fields)
	}
}

func TestFieldErrors_NonValidationError(t *testing.T) {
	v := New()
	fields := FieldErrors(v.Struct(42))
	if _, ok := fields["error"]; !ok {
		t.Fatalf("expected generic error entry, got %v", fields)
	}
	if len(FieldErrors(nil)) != 0 {
		t.Fatalf("nil error should map to no fields")
	}
}
