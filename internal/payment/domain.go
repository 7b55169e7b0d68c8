// internal/payment/domain.go
package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind tells what a payment charges for.
type Kind string

const (
	KindRental Kind = "RENTAL"
	KindFine   Kind = "FINE"
)

// Status of a payment. The only transition is PENDING to PAID.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
)

// Payment is one hosted checkout session opened for a borrowing.
// SettlesReturn marks the payment whose confirmation completes the return of the book.
type Payment struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	BorrowingID   uuid.UUID       `json:"borrowing_id" db:"borrowing_id"`
	PayerID       uuid.UUID       `json:"payer_id" db:"payer_id"`
	Kind          Kind            `json:"kind" db:"kind"`
	Status        Status          `json:"status" db:"status"`
	AmountDue     decimal.Decimal `json:"amount_due" db:"amount_due"`
	SessionID     string          `json:"session_id" db:"session_id"`
	SessionURL    string          `json:"session_url" db:"session_url"`
	SettlesReturn bool            `json:"settles_return" db:"settles_return"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
}

func (p Payment) Pending() bool { return p.Status == StatusPending }

// FirstPending returns the first pending payment in ps, if any.
func FirstPending(ps []Payment) (Payment, bool) {
	for _, p := range ps {
		if p.Pending() {
			return p, true
		}
	}
	return Payment{}, false
}

// PaidTotal sums the paid payments of the given kind.
func PaidTotal(ps []Payment, kind Kind) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps {
		if p.Kind == kind && p.Status == StatusPaid {
			total = total.Add(p.AmountDue)
		}
	}
	return total
}
