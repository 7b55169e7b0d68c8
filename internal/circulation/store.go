// internal/circulation/store.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/inventory"
	"lendingdesk/internal/membership"
	"lendingdesk/internal/payment"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// BorrowingFilter narrows a borrowing listing. Nil fields do not filter.
type BorrowingFilter struct {
	BorrowerID *uuid.UUID
	Active     *bool
	Page       int
	PageSize   int
}

// PaymentFilter narrows a payment listing.
type PaymentFilter struct {
	PayerID  *uuid.UUID
	Page     int
	PageSize int
}

// Normalize clamps paging to a 1-based page of at most MaxPageSize rows.
func Normalize(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// Offset of the first row on a normalized page.
func Offset(page, pageSize int) int {
	page, pageSize = Normalize(page, pageSize)
	return (page - 1) * pageSize
}

// Store persists borrowings, payments and the books and members they reference.
// Lookups of missing rows fail with an apperr NotFound error.
type Store interface {
	// RunInTx runs fn in one transaction, committing when fn returns nil and
	// rolling back every change otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetBorrowing(ctx context.Context, id uuid.UUID) (*BorrowingDetail, error)
	ListBorrowings(ctx context.Context, f BorrowingFilter) ([]BorrowingDetail, int, error)
	// ListOverdue returns open borrowings whose expected return date is before today.
	ListOverdue(ctx context.Context, today time.Time) ([]BorrowingDetail, error)

	GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	GetPaymentBySession(ctx context.Context, sessionID string) (*payment.Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]payment.Payment, int, error)

	History(ctx context.Context, borrowingID uuid.UUID) ([]eventlog.Event, error)
}

// Tx is an open store transaction. Lock methods hold the row until the
// transaction ends, serializing concurrent writers of the same record.
type Tx interface {
	inventory.BookTx

	LockMember(ctx context.Context, id uuid.UUID) (*membership.Member, error)

	LockBorrowing(ctx context.Context, id uuid.UUID) (*Borrowing, error)
	InsertBorrowing(ctx context.Context, b *Borrowing) error
	// UpdateBorrowing writes b if the stored row is still at prevVersion.
	UpdateBorrowing(ctx context.Context, b *Borrowing, prevVersion int) error
	// DeleteBorrowing removes the borrowing and its payments.
	DeleteBorrowing(ctx context.Context, id uuid.UUID) error

	InsertPayment(ctx context.Context, p *payment.Payment) error
	MarkPaymentPaid(ctx context.Context, id uuid.UUID, at time.Time) error
	LockPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	LockPaymentBySession(ctx context.Context, sessionID string) (*payment.Payment, error)
	PaymentsByBorrowing(ctx context.Context, borrowingID uuid.UUID) ([]payment.Payment, error)
	PendingPaymentsByPayer(ctx context.Context, payerID uuid.UUID) ([]payment.Payment, error)

	// AppendEvents journals events for a borrowing, failing with
	// eventlog.ErrConcurrencyConflict when its version moved past expectedVersion.
	AppendEvents(ctx context.Context, borrowingID uuid.UUID, expectedVersion int, events []eventlog.Event) error
}
