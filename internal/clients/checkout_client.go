// internal/clients/checkout_client.go
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"lendingdesk/internal/payment"
)

// CheckoutClient opens hosted checkout sessions over the gateway's form-encoded
// REST API. Calls go through a circuit breaker so a failing gateway is not
// hammered by every borrow and return request.
type CheckoutClient struct {
	baseURL   string
	secretKey string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
}

var _ payment.Gateway = (*CheckoutClient)(nil)

// StatusError is returned for a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("checkout gateway returned %d: %s", e.StatusCode, e.Message)
}

func NewCheckoutClient(baseURL, secretKey string) *CheckoutClient {
	return &CheckoutClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "checkout",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// Client errors mean a bad request, not an unhealthy gateway.
			IsSuccessful: func(err error) bool {
				var se *StatusError
				return err == nil || (errors.As(err, &se) && se.StatusCode < 500)
			},
		}),
	}
}

func (c *CheckoutClient) OpenSession(ctx context.Context, r payment.SessionRequest) (payment.Session, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.createSession(ctx, r)
	})
	if err != nil {
		return payment.Session{}, err
	}
	return out.(payment.Session), nil
}

func (c *CheckoutClient) createSession(ctx context.Context, r payment.SessionRequest) (payment.Session, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", r.SuccessURL)
	form.Set("cancel_url", r.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", r.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(r.UnitAmount, 10))
	form.Set("line_items[0][price_data][product_data][name]", r.ProductName)
	if r.ProductDescription != "" {
		form.Set("line_items[0][price_data][product_data][description]", r.ProductDescription)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return payment.Session{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return payment.Session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
			msg = body.Error.Message
		}
		return payment.Session{}, &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return payment.Session{}, fmt.Errorf("decode checkout session: %w", err)
	}
	if session.ID == "" || session.URL == "" {
		return payment.Session{}, errors.New("checkout session response is missing id or url")
	}
	return payment.Session{ID: session.ID, URL: session.URL}, nil
}
