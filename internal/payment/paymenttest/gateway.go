// Package paymenttest provides an in-memory payment gateway for tests and local runs.
package paymenttest

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"lendingdesk/internal/payment"
)

// Gateway records every session it opens. Fail makes it return an error instead.
type Gateway struct {
	BaseURL string

	mu       sync.Mutex
	err      error
	requests []payment.SessionRequest
}

func NewGateway() *Gateway {
	return &Gateway{BaseURL: "https://checkout.test/pay"}
}

func (g *Gateway) OpenSession(_ context.Context, req payment.SessionRequest) (payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return payment.Session{}, g.err
	}
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return payment.Session{}, err
	}
	g.requests = append(g.requests, req)
	sid := "cs_test_" + id.String()
	return payment.Session{ID: sid, URL: fmt.Sprintf("%s/%s", g.BaseURL, sid)}, nil
}

// Fail makes subsequent calls return err; nil restores success.
func (g *Gateway) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// Requests returns the sessions opened so far.
func (g *Gateway) Requests() []payment.SessionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payment.SessionRequest(nil), g.requests...)
}
