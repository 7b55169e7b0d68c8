// internal/payment/gateway.go
package payment

import "context"

// SessionRequest describes a single-line hosted checkout.
type SessionRequest struct {
	Currency           string
	UnitAmount         int64 // minor units
	ProductName        string
	ProductDescription string
	SuccessURL         string
	CancelURL          string
}

// Session is what the gateway hands back for a newly opened checkout.
type Session struct {
	ID  string
	URL string
}

// Gateway opens hosted checkout sessions. Completion is reported back
// asynchronously through the success and cancel callback URLs.
type Gateway interface {
	OpenSession(ctx context.Context, req SessionRequest) (Session, error)
}
