// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/payment"
)

// Service defines the interface for the circulation service.
type Service interface {
	CreateBorrowing(ctx context.Context, actor Actor, bookID uuid.UUID, expectedReturnDate time.Time) (*Checkout, error)
	UpdateExpectedReturnDate(ctx context.Context, actor Actor, borrowingID uuid.UUID, newDate time.Time) (*Borrowing, error)
	RequestReturn(ctx context.Context, actor Actor, borrowingID uuid.UUID) (*Checkout, error)
	ConfirmReturnPayment(ctx context.Context, paymentID uuid.UUID) (*payment.Payment, error)
	DeleteBorrowing(ctx context.Context, actor Actor, borrowingID uuid.UUID) error

	// Gateway callbacks. An unknown session id, or one that belongs to another
	// borrowing, yields a nil payment and no error.
	OnSessionSucceeded(ctx context.Context, borrowingID uuid.UUID, sessionID string) (*payment.Payment, error)
	OnSessionCancelled(ctx context.Context, borrowingID uuid.UUID, sessionID string) (*payment.Payment, error)
	ResumePayment(ctx context.Context, actor Actor, borrowingID uuid.UUID) (*payment.Payment, error)

	GetBorrowing(ctx context.Context, actor Actor, borrowingID uuid.UUID) (*BorrowingDetail, error)
	ListBorrowings(ctx context.Context, actor Actor, f BorrowingFilter) ([]BorrowingDetail, int, error)
	GetPayment(ctx context.Context, actor Actor, paymentID uuid.UUID) (*payment.Payment, error)
	ListPayments(ctx context.Context, actor Actor, f PaymentFilter) ([]payment.Payment, int, error)
	History(ctx context.Context, actor Actor, borrowingID uuid.UUID) ([]eventlog.Event, error)
}
