// Package client is a typed HTTP client for the facilitator API. Resource
// servers use it to verify and settle payments without linking the chain
// stack into their own binary.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/mark3labs/x402-facilitator"
)

// Sentinel errors for facilitator communication failures. Rejections are
// not errors: an invalid payment comes back as a response value.
var (
	// ErrUnavailable marks transport-level failures reaching the facilitator.
	ErrUnavailable = errors.New("x402: facilitator unavailable")

	// ErrBadStatus marks an unexpected HTTP status from the facilitator.
	ErrBadStatus = errors.New("x402: unexpected facilitator response")
)

// AuthorizationProvider returns an Authorization header value per request.
// It is called on every attempt, including retries, so providers that
// refresh tokens or touch shared state must be safe for concurrent use.
type AuthorizationProvider func(*http.Request) string

// Client calls a remote facilitator over HTTP.
type Client struct {
	// BaseURL is the facilitator's base URL, without a trailing slash.
	BaseURL string

	// HTTPClient is the underlying transport. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Timeouts bound each operation when the caller's context has no deadline.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the number of retries after a transport failure.
	MaxRetries int

	// RetryDelay is the initial backoff delay. Doubles per attempt, capped
	// at four times the initial value. Defaults to 100ms.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value.
	// AuthorizationProvider takes precedence when both are set.
	Authorization string

	// AuthorizationProvider supplies a dynamic Authorization header value.
	AuthorizationProvider AuthorizationProvider
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload       `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
	Groups              []string                 `json:"groups,omitempty"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) setAuthorization(req *http.Request) {
	value := c.Authorization
	if c.AuthorizationProvider != nil {
		value = c.AuthorizationProvider(req)
	}
	if value != "" {
		req.Header.Set("Authorization", value)
	}
}

// withDeadline applies the operation timeout unless the caller already set one.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// doWithRetry runs fn with exponential backoff, retrying only transport
// failures (ErrUnavailable). Rejections and bad statuses return immediately.
func (c *Client) doWithRetry(ctx context.Context, fn func() error) error {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxDelay := delay * 4

	attempts := c.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
		if err = fn(); err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
	}
	return err
}

// Verify checks a payment against its requirements without settling it.
func (c *Client) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	body, err := json.Marshal(VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	var response x402.VerifyResponse
	err = c.doWithRetry(ctx, func() error {
		reqCtx, cancel := withDeadline(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAuthorization(req)

		resp, err := c.httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		return json.NewDecoder(resp.Body).Decode(&response)
	})
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// Settle submits a payment for settlement. A policy rejection comes back
// as a response with ErrorReason set, not as an error.
func (c *Client) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, groups []string) (*x402.SettleResponse, error) {
	body, err := json.Marshal(SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Groups:              groups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	var response x402.SettleResponse
	err = c.doWithRetry(ctx, func() error {
		reqCtx, cancel := withDeadline(ctx, c.Timeouts.SettleTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.BaseURL+"/settle", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAuthorization(req)

		resp, err := c.httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		// Policy violations are 403 with a full settle response body.
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusForbidden {
			return statusError(resp)
		}
		return json.NewDecoder(resp.Body).Decode(&response)
	})
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// Supported lists the (scheme, network) pairs the facilitator serves.
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	reqCtx, cancel := withDeadline(ctx, c.Timeouts.VerifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorization(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var response x402.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &response, nil
}

// EnrichRequirements merges the facilitator's scheme extras into the given
// requirements. SVM requirements need this: the feePayer lives in the
// facilitator's supported kinds, not with the resource server.
func (c *Client) EnrichRequirements(ctx context.Context, requirements []x402.PaymentRequirements) ([]x402.PaymentRequirements, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, err
	}

	kinds := make(map[string]x402.SupportedKind, len(supported.Kinds))
	for _, kind := range supported.Kinds {
		kinds[kind.Network+"/"+kind.Scheme] = kind
	}

	enriched := make([]x402.PaymentRequirements, len(requirements))
	for i, requirement := range requirements {
		enriched[i] = requirement
		kind, ok := kinds[requirement.Network+"/"+requirement.Scheme]
		if !ok || kind.Extra == nil {
			continue
		}
		if enriched[i].Extra == nil {
			enriched[i].Extra = make(map[string]interface{}, len(kind.Extra))
		}
		for k, v := range kind.Extra {
			// Values already set by the resource server win.
			if _, exists := enriched[i].Extra[k]; !exists {
				enriched[i].Extra[k] = v
			}
		}
	}
	return enriched, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(body) > 0 {
		return fmt.Errorf("%w: status %d: %s", ErrBadStatus, resp.StatusCode, body)
	}
	return fmt.Errorf("%w: status %d", ErrBadStatus, resp.StatusCode)
}
