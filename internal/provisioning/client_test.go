package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func validRequest() Request {
	return Request{
		Email:                 "buyer@example.com",
		VerificationSessionID: "vs_1",
		ProductID:             "vpn-pro",
		PromoCode:             "SPRING",
		CheckoutSessionID:     "cs_test_1",
	}
}

func TestProvision_Success(t *testing.T) {
	var got Request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"product_url":"https://vpn.example.com/u/1","wg_conf":"[Interface]","creds":{"user":"u1"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token", time.Second)
	resp, err := c.Provision(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Provision error: %v", err)
	}

	if auth != "Bearer secret-token" {
		t.Fatalf("bearer not sent, got %q", auth)
	}
	if got != validRequest() {
		t.Fatalf("request body mismatch: %+v", got)
	}
	if resp.ProductURL != "https://vpn.example.com/u/1" || resp.WGConf != "[Interface]" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if string(resp.Creds) != `{"user":"u1"}` {
		t.Fatalf("creds mismatch: %s", resp.Creds)
	}
	if !json.Valid(resp.Raw) {
		t.Fatalf("raw payload must be JSON: %s", resp.Raw)
	}
}

func TestProvision_NoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("unexpected Authorization header %q", h)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "", time.Second).Provision(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Provision error: %v", err)
	}
	if string(resp.Raw) != `{}` {
		t.Fatalf("empty body should map to {}, got %s", resp.Raw)
	}
}

func TestProvision_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).Provision(context.Background(), validRequest())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestProvision_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>ok</html>`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).Provision(context.Background(), validRequest())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestProvision_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, "", 50*time.Millisecond).Provision(context.Background(), validRequest())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestProvision_InvalidRequestNotSent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	req := validRequest()
	req.Email = ""
	_, err := NewClient(srv.URL, "", time.Second).Provision(context.Background(), req)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if called {
		t.Fatalf("relay must not be called for an invalid request")
	}
}
