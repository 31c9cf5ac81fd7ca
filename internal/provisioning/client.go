package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/validation"
)

var (
	// ErrTimeout means the relay did not answer within the client timeout.
	ErrTimeout = errors.New("provisioning timed out")
	// ErrRejected covers non-2xx answers, unreadable bodies and requests that could not be sent.
	ErrRejected = errors.New("provisioning rejected")
)

// maxResponseBytes caps how much of a relay response is read and stored.
const maxResponseBytes = 256 << 10

// Request is the body posted to the provisioning endpoint.
type Request struct {
	Email                 string `json:"email" validate:"required,email"`
	VerificationSessionID string `json:"verification_session_id" validate:"required"`
	ProductID             string `json:"product_id" validate:"required"`
	PromoCode             string `json:"promo_code,omitempty"`
	CheckoutSessionID     string `json:"checkout_session_id,omitempty"`
}

// Response is what the relay returns. All fields are optional.
type Response struct {
	ProductURL string          `json:"product_url,omitempty"`
	WGConf     string          `json:"wg_conf,omitempty"`
	Creds      json.RawMessage `json:"creds,omitempty"`

	// Raw is the response body as received, stored as the record payload.
	Raw json.RawMessage `json:"-"`
}

// Client posts verified customers to the provisioning relay. It never retries; a failed call
// is surfaced so the webhook is redelivered.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	validate   *validatorv10.Validate
}

// NewClient returns a Client for endpoint. token, when non-empty, is sent as a bearer token.
func NewClient(endpoint, token string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		validate:   validation.New(),
	}
}

// Provision sends req and decodes the relay answer.
func (c *Client) Provision(ctx context.Context, req Request) (*Response, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: invalid request %v", ErrRejected, validation.FieldErrors(err))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrRejected, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: read response: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: read response: %v", ErrRejected, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, snippet(raw))
	}

	out := &Response{Raw: json.RawMessage(`{}`)}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrRejected, err)
	}
	out.Raw = raw
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
