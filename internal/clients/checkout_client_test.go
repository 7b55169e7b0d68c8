package clients

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingdesk/internal/payment"
)

func sessionRequest() payment.SessionRequest {
	return payment.SessionRequest{
		Currency:           "usd",
		UnitAmount:         800,
		ProductName:        "Dune",
		ProductDescription: "User: reader@example.com",
		SuccessURL:         "http://localhost:8080/payments/success/b1?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:          "http://localhost:8080/payments/cancel/b1?session_id={CHECKOUT_SESSION_ID}",
	}
}

func TestCheckoutClientOpensSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "800", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "usd", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "Dune", r.PostForm.Get("line_items[0][price_data][product_data][name]"))
		assert.Equal(t, "User: reader@example.com", r.PostForm.Get("line_items[0][price_data][product_data][description]"))
		assert.Contains(t, r.PostForm.Get("success_url"), "{CHECKOUT_SESSION_ID}")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","url":"https://checkout.example/pay/cs_test_1"}`))
	}))
	defer srv.Close()

	s, err := NewCheckoutClient(srv.URL, "sk_test_123").OpenSession(t.Context(), sessionRequest())
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", s.ID)
	assert.Equal(t, "https://checkout.example/pay/cs_test_1", s.URL)
}

func TestCheckoutClientReportsGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid currency"}}`))
	}))
	defer srv.Close()

	_, err := NewCheckoutClient(srv.URL, "sk").OpenSession(t.Context(), sessionRequest())
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "Invalid currency", se.Message)
}

func TestCheckoutClientOpensBreakerOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewCheckoutClient(srv.URL, "sk")
	for range 5 {
		_, err := c.OpenSession(t.Context(), sessionRequest())
		require.Error(t, err)
	}
	_, err := c.OpenSession(t.Context(), sessionRequest())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 5, calls.Load())
}

func TestCheckoutClientClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewCheckoutClient(srv.URL, "sk")
	for range 8 {
		_, err := c.OpenSession(t.Context(), sessionRequest())
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
}
