// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/clock"
	"lendingdesk/internal/inventory"
	"lendingdesk/internal/membership"
	"lendingdesk/internal/payment"
)

// MaxLoanDays bounds the expected return date relative to the borrow date.
const MaxLoanDays = 14

// Borrowing is one book lent to one member. It is OPEN while ActualReturnDate
// is nil and RETURNED once it is set. Version is the journal version of the
// borrowing and grows with every recorded change.
type Borrowing struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	BookID             uuid.UUID  `json:"book_id" db:"book_id"`
	BorrowerID         uuid.UUID  `json:"borrower_id" db:"borrower_id"`
	BorrowDate         time.Time  `json:"borrow_date" db:"borrow_date"`
	ExpectedReturnDate time.Time  `json:"expected_return_date" db:"expected_return_date"`
	ActualReturnDate   *time.Time `json:"actual_return_date,omitempty" db:"actual_return_date"`
	Version            int        `json:"version" db:"version"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

func (b Borrowing) IsActive() bool { return b.ActualReturnDate == nil }

// DaysElapsed counts days from the borrow date to the return date, or to today
// while the borrowing is open.
func (b Borrowing) DaysElapsed(today time.Time) int {
	until := today
	if b.ActualReturnDate != nil {
		until = *b.ActualReturnDate
	}
	return clock.DaysBetween(b.BorrowDate, until)
}

// Overdue reports whether an open borrowing is past its expected return date.
func (b Borrowing) Overdue(today time.Time) bool {
	return b.IsActive() && clock.Day(b.ExpectedReturnDate).Before(clock.Day(today))
}

// BorrowingDetail is a borrowing joined with the records it references.
type BorrowingDetail struct {
	Borrowing
	Book     inventory.Book    `json:"book" db:"book"`
	Borrower membership.Member `json:"borrower" db:"borrower"`
	Payments []payment.Payment `json:"payments" db:"-"`
}

// Checkout is a borrowing together with the payment session opened for it.
// Payment is nil when nothing was left to pay.
type Checkout struct {
	Borrowing Borrowing        `json:"borrowing"`
	Payment   *payment.Payment `json:"payment,omitempty"`
}

// Actor is the member on whose behalf an operation runs. Staff may act on any
// borrowing, everyone else only on their own.
type Actor struct {
	MemberID uuid.UUID
	Staff    bool
}

func (a Actor) owns(b Borrowing) bool { return a.Staff || a.MemberID == b.BorrowerID }

// Event payloads recorded in the lifecycle journal.

type BorrowingOpenedEvent struct {
	BookID             uuid.UUID `json:"book_id"`
	BorrowerID         uuid.UUID `json:"borrower_id"`
	BorrowDate         string    `json:"borrow_date"`
	ExpectedReturnDate string    `json:"expected_return_date"`
	RentalDue          string    `json:"rental_due"`
}

type ExpectedReturnDateChangedEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ReturnRequestedEvent struct {
	PaymentID uuid.UUID    `json:"payment_id"`
	Kind      payment.Kind `json:"kind"`
	AmountDue string       `json:"amount_due"`
}

type PaymentConfirmedEvent struct {
	PaymentID uuid.UUID    `json:"payment_id"`
	Kind      payment.Kind `json:"kind"`
	SessionID string       `json:"session_id"`
}

type BorrowingReturnedEvent struct {
	ActualReturnDate string `json:"actual_return_date"`
}

type BorrowingDeletedEvent struct {
	WasActive bool `json:"was_active"`
}
