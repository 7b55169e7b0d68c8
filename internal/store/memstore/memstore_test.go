package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/circulation"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/inventory"
	"lendingdesk/internal/membership"
	"lendingdesk/internal/payment"
)

func seeded(t *testing.T) (*Store, inventory.Book, membership.Member) {
	t.Helper()
	s := New()
	book := inventory.Book{ID: uuid.New(), Title: "Solaris", DailyRate: decimal.NewFromInt(1), AvailableCopies: 2}
	member := membership.Member{ID: uuid.New(), Email: "kelvin@example.com"}
	s.AddBook(book)
	s.AddMember(member)
	return s, book, member
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	s, book, _ := seeded(t)
	boom := errors.New("boom")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx circulation.Tx) error {
		_, err := inventory.Ledger{}.Reserve(ctx, tx, book.ID)
		require.NoError(t, err)
		b, err := tx.LockBook(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, b.AvailableCopies, "writes are visible inside the transaction")
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, _ := s.Book(book.ID)
	assert.Equal(t, 2, got.AvailableCopies)
}

func TestRunInTx_CommitsOnSuccess(t *testing.T) {
	s, book, _ := seeded(t)

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx circulation.Tx) error {
		_, err := inventory.Ledger{}.Reserve(ctx, tx, book.ID)
		return err
	})
	require.NoError(t, err)

	got, _ := s.Book(book.ID)
	assert.Equal(t, 1, got.AvailableCopies)
}

func TestTx_RejectsNegativeCopies(t *testing.T) {
	s, book, _ := seeded(t)
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx circulation.Tx) error {
		return tx.SetAvailableCopies(ctx, book.ID, -1)
	})
	assert.Error(t, err)
}

func TestTx_OnePendingPaymentPerKind(t *testing.T) {
	s, book, member := seeded(t)
	b := circulation.Borrowing{ID: uuid.New(), BookID: book.ID, BorrowerID: member.ID}
	s.AddBorrowing(b)

	newPayment := func(session string, kind payment.Kind) *payment.Payment {
		return &payment.Payment{ID: uuid.New(), BorrowingID: b.ID, PayerID: member.ID, Kind: kind, Status: payment.StatusPending, SessionID: session}
	}
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx circulation.Tx) error {
		require.NoError(t, tx.InsertPayment(ctx, newPayment("cs_1", payment.KindRental)))
		assert.ErrorIs(t, tx.InsertPayment(ctx, newPayment("cs_2", payment.KindRental)), apperr.ErrConflict)
		assert.ErrorIs(t, tx.InsertPayment(ctx, newPayment("cs_1", payment.KindFine)), apperr.ErrConflict)
		return tx.InsertPayment(ctx, newPayment("cs_3", payment.KindFine))
	})
	require.NoError(t, err)

	_, total, err := s.ListPayments(context.Background(), circulation.PaymentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestTx_DeleteBorrowingCascadesPayments(t *testing.T) {
	s, book, member := seeded(t)
	b := circulation.Borrowing{ID: uuid.New(), BookID: book.ID, BorrowerID: member.ID}
	s.AddBorrowing(b)
	p := payment.Payment{ID: uuid.New(), BorrowingID: b.ID, PayerID: member.ID, Kind: payment.KindRental, Status: payment.StatusPaid, SessionID: "cs_1"}

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx circulation.Tx) error {
		if err := tx.InsertPayment(ctx, &p); err != nil {
			return err
		}
		return tx.DeleteBorrowing(ctx, b.ID)
	})
	require.NoError(t, err)

	_, err = s.GetPayment(context.Background(), p.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetPaymentBySession(context.Background(), "cs_1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTx_AppendEventsChecksVersion(t *testing.T) {
	s, book, member := seeded(t)
	b := circulation.Borrowing{ID: uuid.New(), BookID: book.ID, BorrowerID: member.ID}
	s.AddBorrowing(b)
	ev, err := eventlog.New(eventlog.BorrowingReturned, map[string]string{"actual_return_date": "2026-01-02"})
	require.NoError(t, err)

	err = s.RunInTx(context.Background(), func(ctx context.Context, tx circulation.Tx) error {
		assert.ErrorIs(t, tx.AppendEvents(ctx, b.ID, 0, []eventlog.Event{ev}), eventlog.ErrConcurrencyConflict)
		assert.ErrorIs(t, tx.AppendEvents(ctx, b.ID, 1, nil), eventlog.ErrNoEvents)
		return tx.AppendEvents(ctx, b.ID, 1, []eventlog.Event{ev})
	})
	require.NoError(t, err)

	events, err := s.History(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].Version)
	assert.Equal(t, eventlog.BorrowingReturned, events[1].EventType)
}

func TestListOverdue(t *testing.T) {
	s, book, member := seeded(t)
	today := clock.Date(2026, time.April, 10)
	returned := clock.Date(2026, time.April, 1)
	for _, b := range []circulation.Borrowing{
		{ExpectedReturnDate: clock.Date(2026, time.April, 9)},
		{ExpectedReturnDate: clock.Date(2026, time.April, 5)},
		{ExpectedReturnDate: today},
		{ExpectedReturnDate: clock.Date(2026, time.April, 12)},
		{ExpectedReturnDate: clock.Date(2026, time.March, 30), ActualReturnDate: &returned},
	} {
		b.ID = uuid.New()
		b.BookID = book.ID
		b.BorrowerID = member.ID
		s.AddBorrowing(b)
	}

	rows, err := s.ListOverdue(context.Background(), today)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, clock.Date(2026, time.April, 5), rows[0].ExpectedReturnDate, "oldest first")
	assert.Equal(t, "Solaris", rows[0].Book.Title)
	assert.Equal(t, "kelvin@example.com", rows[0].Borrower.Email)
}
