package circulation_test

import (
	"context"
	"errors"
	"sync"
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
	"lendingdesk/internal/notify"
	"lendingdesk/internal/payment"
	"lendingdesk/internal/payment/paymenttest"
	"lendingdesk/internal/store/memstore"
)

var day0 = clock.Date(2026, time.March, 2)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (n *recordingNotifier) Post(_ context.Context, m notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.msgs = append(n.msgs, m)
	return nil
}

func (n *recordingNotifier) messages() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.msgs...)
}

type fixture struct {
	store    *memstore.Store
	gateway  *paymenttest.Gateway
	clock    *clock.Fixed
	notifier *recordingNotifier
	svc      circulation.Service
	book     inventory.Book
	member   membership.Member
	actor    circulation.Actor
	staff    circulation.Actor
}

func newFixture(t *testing.T, copies int) *fixture {
	t.Helper()
	chatID := int64(1001)
	f := &fixture{
		store:    memstore.New(),
		gateway:  paymenttest.NewGateway(),
		clock:    clock.NewFixed(day0.Add(10 * time.Hour)),
		notifier: &recordingNotifier{},
		book: inventory.Book{
			ID:              uuid.New(),
			Title:           "The Left Hand of Darkness",
			Author:          "Ursula K. Le Guin",
			DailyRate:       decimal.RequireFromString("2.00"),
			AvailableCopies: copies,
		},
		member: membership.Member{
			ID:                   uuid.New(),
			Email:                "reader@example.com",
			NotificationsEnabled: true,
			ChatID:               &chatID,
		},
	}
	f.store.AddBook(f.book)
	f.store.AddMember(f.member)
	f.actor = circulation.Actor{MemberID: f.member.ID}
	f.staff = circulation.Actor{MemberID: uuid.New(), Staff: true}
	f.svc = circulation.NewService(f.store, f.gateway,
		circulation.WithClock(f.clock),
		circulation.WithNotifier(f.notifier),
		circulation.WithBaseURL("https://lending.test/"),
	)
	return f
}

func (f *fixture) addMember(t *testing.T) circulation.Actor {
	t.Helper()
	m := membership.Member{ID: uuid.New(), Email: uuid.NewString()[:8] + "@example.com"}
	f.store.AddMember(m)
	return circulation.Actor{MemberID: m.ID}
}

func (f *fixture) copies(t *testing.T) int {
	t.Helper()
	b, ok := f.store.Book(f.book.ID)
	require.True(t, ok)
	return b.AvailableCopies
}

func (f *fixture) borrow(t *testing.T, days int) *circulation.Checkout {
	t.Helper()
	out, err := f.svc.CreateBorrowing(context.Background(), f.actor, f.book.ID, clock.AddDays(day0, days))
	require.NoError(t, err)
	require.NotNil(t, out.Payment)
	return out
}

func (f *fixture) pay(t *testing.T, p *payment.Payment) *payment.Payment {
	t.Helper()
	paid, err := f.svc.OnSessionSucceeded(context.Background(), p.BorrowingID, p.SessionID)
	require.NoError(t, err)
	require.NotNil(t, paid)
	return paid
}

func (f *fixture) detail(t *testing.T, id uuid.UUID) *circulation.BorrowingDetail {
	t.Helper()
	d, err := f.svc.GetBorrowing(context.Background(), f.staff, id)
	require.NoError(t, err)
	return d
}

func TestCreateBorrowing_ExpectedReturnDateBounds(t *testing.T) {
	tests := []struct {
		name    string
		days    int
		wantErr error
	}{
		{"yesterday", -1, apperr.ErrValidation},
		{"today", 0, apperr.ErrValidation},
		{"tomorrow", 1, nil},
		{"two weeks", 14, nil},
		{"fifteen days", 15, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			out, err := f.svc.CreateBorrowing(context.Background(), f.actor, f.book.ID, clock.AddDays(day0, tt.days))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 3, f.copies(t))
				assert.Empty(t, f.gateway.Requests())
				return
			}
			require.NoError(t, err)
			assert.True(t, out.Borrowing.IsActive())
			assert.Equal(t, day0, out.Borrowing.BorrowDate)
			assert.Equal(t, clock.AddDays(day0, tt.days), out.Borrowing.ExpectedReturnDate)
			assert.Equal(t, 2, f.copies(t))
		})
	}
}

func TestCreateBorrowing_OpensRentalSession(t *testing.T) {
	f := newFixture(t, 2)

	out := f.borrow(t, 3)

	p := out.Payment
	assert.Equal(t, payment.KindRental, p.Kind)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.False(t, p.SettlesReturn)
	assert.Equal(t, "8.00", p.AmountDue.StringFixed(2))
	assert.Equal(t, f.member.ID, p.PayerID)

	reqs := f.gateway.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, payment.SessionRequest{
		Currency:           "usd",
		UnitAmount:         800,
		ProductName:        f.book.Title,
		ProductDescription: "User: reader@example.com",
		SuccessURL:         "https://lending.test/payments/success/" + out.Borrowing.ID.String() + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:          "https://lending.test/payments/cancel/" + out.Borrowing.ID.String() + "?session_id={CHECKOUT_SESSION_ID}",
	}, reqs[0])

	d := f.detail(t, out.Borrowing.ID)
	require.Len(t, d.Payments, 1)
	assert.Equal(t, p.SessionID, d.Payments[0].SessionID)
}

func TestCreateBorrowing_OutOfStock(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.svc.CreateBorrowing(context.Background(), f.actor, f.book.ID, clock.AddDays(day0, 7))
	require.ErrorIs(t, err, apperr.ErrOutOfStock)

	rows, total, err := f.svc.ListBorrowings(context.Background(), f.staff, circulation.BorrowingFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)
	assert.Equal(t, 0, f.copies(t))
	assert.Empty(t, f.gateway.Requests())
}

func TestCreateBorrowing_UnknownBookOrMember(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.svc.CreateBorrowing(context.Background(), f.actor, uuid.New(), clock.AddDays(day0, 7))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	stranger := circulation.Actor{MemberID: uuid.New()}
	_, err = f.svc.CreateBorrowing(context.Background(), stranger, f.book.ID, clock.AddDays(day0, 7))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 1, f.copies(t))
}

func TestCreateBorrowing_PendingPaymentBlocksNewBorrowing(t *testing.T) {
	f := newFixture(t, 3)
	first := f.borrow(t, 5)

	_, err := f.svc.CreateBorrowing(context.Background(), f.actor, f.book.ID, clock.AddDays(day0, 5))
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, first.Payment.SessionURL, apperr.SessionURLOf(err))
	assert.Equal(t, 2, f.copies(t))

	f.pay(t, first.Payment)
	_, err = f.svc.CreateBorrowing(context.Background(), f.actor, f.book.ID, clock.AddDays(day0, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, f.copies(t))
}

func TestCreateBorrowing_GatewayFailureRollsBack(t *testing.T) {
	f := newFixture(t, 1)
	f.gateway.Fail(errors.New("connection reset"))

	_, err := f.svc.CreateBorrowing(context.Background(), f.actor, f.book.ID, clock.AddDays(day0, 7))
	require.ErrorIs(t, err, apperr.ErrGateway)

	assert.Equal(t, 1, f.copies(t))
	_, total, err := f.svc.ListBorrowings(context.Background(), f.staff, circulation.BorrowingFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	_, total, err = f.svc.ListPayments(context.Background(), f.staff, circulation.PaymentFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, f.notifier.messages())
}

func TestCreateBorrowing_ConcurrentRequestsForLastCopy(t *testing.T) {
	f := newFixture(t, 1)
	actors := []circulation.Actor{f.addMember(t), f.addMember(t)}

	var wg sync.WaitGroup
	errs := make([]error, len(actors))
	for i, a := range actors {
		wg.Add(1)
		go func(i int, a circulation.Actor) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateBorrowing(context.Background(), a, f.book.ID, clock.AddDays(day0, 7))
		}(i, a)
	}
	wg.Wait()

	var ok, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrOutOfStock):
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)
	assert.Equal(t, 0, f.copies(t))
}

func TestCreateBorrowing_Announces(t *testing.T) {
	f := newFixture(t, 2)
	f.borrow(t, 3)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1001), msgs[0].ChatID)
	assert.False(t, msgs[0].Admin)
	assert.Contains(t, msgs[0].Text, f.book.Title)
	assert.Contains(t, msgs[0].Text, "2026-03-05")
	assert.True(t, msgs[1].Admin)
	assert.Contains(t, msgs[1].Text, "reader@example.com")

	other := f.addMember(t)
	_, err := f.svc.CreateBorrowing(context.Background(), other, f.book.ID, clock.AddDays(day0, 3))
	require.NoError(t, err)
	msgs = f.notifier.messages()
	require.Len(t, msgs, 3, "a member without a chat only produces the admin message")
	assert.True(t, msgs[2].Admin)
}

func TestCreateBorrowing_NotifierFailureDoesNotFail(t *testing.T) {
	f := newFixture(t, 1)
	f.notifier.err = notify.ErrQueueFull

	out, err := f.svc.CreateBorrowing(context.Background(), f.actor, f.book.ID, clock.AddDays(day0, 3))
	require.NoError(t, err)
	assert.True(t, out.Borrowing.IsActive())
}

func TestUpdateExpectedReturnDate(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	f.clock.Advance(2)
	ctx := context.Background()

	b, err := f.svc.UpdateExpectedReturnDate(ctx, f.staff, out.Borrowing.ID, clock.AddDays(day0, 14))
	require.NoError(t, err)
	assert.Equal(t, clock.AddDays(day0, 14), b.ExpectedReturnDate)

	_, err = f.svc.UpdateExpectedReturnDate(ctx, f.staff, out.Borrowing.ID, clock.AddDays(day0, 15))
	assert.ErrorIs(t, err, apperr.ErrValidation, "limit counts from the borrow date")

	_, err = f.svc.UpdateExpectedReturnDate(ctx, f.staff, out.Borrowing.ID, clock.AddDays(day0, 2))
	assert.ErrorIs(t, err, apperr.ErrValidation, "must be after today")

	_, err = f.svc.UpdateExpectedReturnDate(ctx, f.actor, out.Borrowing.ID, clock.AddDays(day0, 10))
	assert.ErrorIs(t, err, apperr.ErrForbidden, "the borrower cannot move their own due date")

	_, err = f.svc.UpdateExpectedReturnDate(ctx, f.staff, uuid.New(), clock.AddDays(day0, 10))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Equal(t, clock.AddDays(day0, 14), f.detail(t, out.Borrowing.ID).ExpectedReturnDate)
}

func TestUpdateExpectedReturnDate_RejectsReturnedBorrowing(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	f.pay(t, out.Payment)
	_, err := f.svc.RequestReturn(context.Background(), f.actor, out.Borrowing.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdateExpectedReturnDate(context.Background(), f.staff, out.Borrowing.ID, clock.AddDays(day0, 5))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRequestReturn_BlockedByPendingPayment(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)

	_, err := f.svc.RequestReturn(context.Background(), f.actor, out.Borrowing.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, out.Payment.SessionURL, apperr.SessionURLOf(err))
	assert.True(t, f.detail(t, out.Borrowing.ID).IsActive())
}

func TestRequestReturn_OnTimeAfterRentalPaid(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)

	paid := f.pay(t, out.Payment)
	assert.Equal(t, payment.StatusPaid, paid.Status)
	assert.True(t, f.detail(t, out.Borrowing.ID).IsActive(), "paying the rental does not return the book")
	assert.Equal(t, 0, f.copies(t))

	f.clock.Advance(3)
	ret, err := f.svc.RequestReturn(context.Background(), f.actor, out.Borrowing.ID)
	require.NoError(t, err)
	assert.Nil(t, ret.Payment)
	require.NotNil(t, ret.Borrowing.ActualReturnDate)
	assert.Equal(t, clock.AddDays(day0, 3), *ret.Borrowing.ActualReturnDate)
	assert.Equal(t, 1, f.copies(t))
	assert.Len(t, f.gateway.Requests(), 1, "nothing left to pay")
}

func TestRequestReturn_LateReturnChargesFine(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	f.pay(t, out.Payment)
	f.clock.Advance(5)

	ret, err := f.svc.RequestReturn(context.Background(), f.actor, out.Borrowing.ID)
	require.NoError(t, err)
	require.NotNil(t, ret.Payment)
	assert.Equal(t, payment.KindFine, ret.Payment.Kind)
	assert.True(t, ret.Payment.SettlesReturn)
	assert.Equal(t, "6.00", ret.Payment.AmountDue.StringFixed(2))
	assert.True(t, ret.Borrowing.IsActive(), "return completes on payment")
	assert.Equal(t, 0, f.copies(t))

	reqs := f.gateway.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(600), reqs[1].UnitAmount)

	confirmed, err := f.svc.ConfirmReturnPayment(context.Background(), ret.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, confirmed.Status)

	d := f.detail(t, out.Borrowing.ID)
	require.NotNil(t, d.ActualReturnDate)
	assert.Equal(t, clock.AddDays(day0, 5), *d.ActualReturnDate)
	assert.Equal(t, 1, f.copies(t))
}

func TestRequestReturn_LateWithUnpaidRentalChargesBoth(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	ctx := context.Background()

	// Rental paid for the original three days, then the loan is extended to day 5.
	f.pay(t, out.Payment)
	_, err := f.svc.UpdateExpectedReturnDate(ctx, f.staff, out.Borrowing.ID, clock.AddDays(day0, 5))
	require.NoError(t, err)
	f.clock.Advance(7)

	ret, err := f.svc.RequestReturn(ctx, f.actor, out.Borrowing.ID)
	require.NoError(t, err)
	require.NotNil(t, ret.Payment)
	// fine 2 days * 2.00 * 1.5 = 6.00, unpaid rental 2 days * 2.00 = 4.00
	assert.Equal(t, payment.KindFine, ret.Payment.Kind)
	assert.Equal(t, "10.00", ret.Payment.AmountDue.StringFixed(2))
}

func TestRequestReturn_ExtensionLeavesRentalToPay(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	ctx := context.Background()
	f.pay(t, out.Payment)

	_, err := f.svc.UpdateExpectedReturnDate(ctx, f.staff, out.Borrowing.ID, clock.AddDays(day0, 6))
	require.NoError(t, err)

	ret, err := f.svc.RequestReturn(ctx, f.actor, out.Borrowing.ID)
	require.NoError(t, err)
	require.NotNil(t, ret.Payment)
	assert.Equal(t, payment.KindRental, ret.Payment.Kind)
	assert.True(t, ret.Payment.SettlesReturn)
	assert.Equal(t, "6.00", ret.Payment.AmountDue.StringFixed(2))

	f.pay(t, ret.Payment)
	assert.False(t, f.detail(t, out.Borrowing.ID).IsActive())
	assert.Equal(t, 1, f.copies(t))
}

func TestRequestReturn_AlreadyReturned(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	f.pay(t, out.Payment)
	_, err := f.svc.RequestReturn(context.Background(), f.actor, out.Borrowing.ID)
	require.NoError(t, err)

	_, err = f.svc.RequestReturn(context.Background(), f.actor, out.Borrowing.ID)
	assert.ErrorIs(t, err, apperr.ErrState)
	assert.Equal(t, 1, f.copies(t))
}

func TestRequestReturn_GatewayFailureLeavesBorrowingUntouched(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	f.pay(t, out.Payment)
	f.clock.Advance(5)
	f.gateway.Fail(errors.New("503"))

	_, err := f.svc.RequestReturn(context.Background(), f.actor, out.Borrowing.ID)
	require.ErrorIs(t, err, apperr.ErrGateway)

	d := f.detail(t, out.Borrowing.ID)
	assert.True(t, d.IsActive())
	assert.Len(t, d.Payments, 1)
	assert.Equal(t, out.Borrowing.Version+1, d.Version, "only the rental confirmation was journaled")
}

func TestConfirmReturnPayment_IsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	f.pay(t, out.Payment)
	f.clock.Advance(4)
	ret, err := f.svc.RequestReturn(context.Background(), f.actor, out.Borrowing.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmReturnPayment(context.Background(), ret.Payment.ID)
	require.NoError(t, err)
	first := f.detail(t, out.Borrowing.ID)

	f.clock.Advance(2)
	again, err := f.svc.ConfirmReturnPayment(context.Background(), ret.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, again.Status)

	// A duplicate gateway callback is just as harmless.
	f.pay(t, ret.Payment)

	second := f.detail(t, out.Borrowing.ID)
	assert.Equal(t, 1, f.copies(t))
	assert.Equal(t, *first.ActualReturnDate, *second.ActualReturnDate)
	assert.Equal(t, first.Version, second.Version)
}

func TestConfirmReturnPayment_RejectsRentalPayment(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)

	_, err := f.svc.ConfirmReturnPayment(context.Background(), out.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrState)

	_, err = f.svc.ConfirmReturnPayment(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOnSessionSucceeded_UnknownSessionIsIgnored(t *testing.T) {
	f := newFixture(t, 1)

	p, err := f.svc.OnSessionSucceeded(context.Background(), uuid.New(), "cs_test_unknown")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = f.svc.OnSessionCancelled(context.Background(), uuid.New(), "cs_test_unknown")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestOnSessionSucceeded_IgnoresSessionOfAnotherBorrowing(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)

	p, err := f.svc.OnSessionSucceeded(context.Background(), uuid.New(), out.Payment.SessionID)
	require.NoError(t, err)
	assert.Nil(t, p)
	p, err = f.svc.OnSessionCancelled(context.Background(), uuid.New(), out.Payment.SessionID)
	require.NoError(t, err)
	assert.Nil(t, p)

	pending, ok := payment.FirstPending(f.detail(t, out.Borrowing.ID).Payments)
	require.True(t, ok)
	assert.Equal(t, out.Payment.ID, pending.ID)
}

func TestOnSessionCancelled_KeepsPaymentPending(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)

	p, err := f.svc.OnSessionCancelled(context.Background(), out.Borrowing.ID, out.Payment.SessionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)

	resumed, err := f.svc.ResumePayment(context.Background(), f.actor, out.Borrowing.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Payment.SessionURL, resumed.SessionURL)
	assert.Len(t, f.gateway.Requests(), 1, "the pending session is reused")

	f.pay(t, out.Payment)
	_, err = f.svc.ResumePayment(context.Background(), f.actor, out.Borrowing.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteBorrowing(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	ctx := context.Background()

	err := f.svc.DeleteBorrowing(ctx, f.actor, out.Borrowing.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	require.NoError(t, f.svc.DeleteBorrowing(ctx, f.staff, out.Borrowing.ID))
	assert.Equal(t, 1, f.copies(t), "an active borrowing gives its copy back")

	_, err = f.svc.GetBorrowing(ctx, f.staff, out.Borrowing.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.GetPayment(ctx, f.staff, out.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// With the pending rental gone the member can borrow again.
	_, err = f.svc.CreateBorrowing(ctx, f.actor, f.book.ID, clock.AddDays(day0, 3))
	require.NoError(t, err)
}

func TestDeleteBorrowing_ReturnedKeepsInventory(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	f.pay(t, out.Payment)
	_, err := f.svc.RequestReturn(context.Background(), f.actor, out.Borrowing.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteBorrowing(context.Background(), f.staff, out.Borrowing.ID))
	assert.Equal(t, 1, f.copies(t))
}

func TestListBorrowings_ScopesToActor(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	mine := f.borrow(t, 3)
	f.pay(t, mine.Payment)
	_, err := f.svc.RequestReturn(ctx, f.actor, mine.Borrowing.ID)
	require.NoError(t, err)
	f.borrow(t, 4)

	other := f.addMember(t)
	_, err = f.svc.CreateBorrowing(ctx, other, f.book.ID, clock.AddDays(day0, 2))
	require.NoError(t, err)

	_, total, err := f.svc.ListBorrowings(ctx, f.actor, circulation.BorrowingFilter{BorrowerID: &other.MemberID})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "members cannot list someone else's borrowings")

	active := true
	rows, total, err := f.svc.ListBorrowings(ctx, f.actor, circulation.BorrowingFilter{Active: &active})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.True(t, rows[0].IsActive())

	_, total, err = f.svc.ListBorrowings(ctx, f.staff, circulation.BorrowingFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	_, total, err = f.svc.ListBorrowings(ctx, f.staff, circulation.BorrowingFilter{BorrowerID: &other.MemberID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	rows, total, err = f.svc.ListBorrowings(ctx, f.staff, circulation.BorrowingFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 1)

	_, err = f.svc.GetBorrowing(ctx, other, mine.Borrowing.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListPayments_ScopesToActor(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	out := f.borrow(t, 3)
	other := f.addMember(t)
	_, err := f.svc.CreateBorrowing(ctx, other, f.book.ID, clock.AddDays(day0, 2))
	require.NoError(t, err)

	rows, total, err := f.svc.ListPayments(ctx, f.actor, circulation.PaymentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, out.Payment.ID, rows[0].ID)

	_, total, err = f.svc.ListPayments(ctx, f.staff, circulation.PaymentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, err = f.svc.GetPayment(ctx, other, out.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHistory_RecordsLifecycle(t *testing.T) {
	f := newFixture(t, 1)
	out := f.borrow(t, 3)
	ctx := context.Background()
	f.pay(t, out.Payment)
	_, err := f.svc.UpdateExpectedReturnDate(ctx, f.staff, out.Borrowing.ID, clock.AddDays(day0, 4))
	require.NoError(t, err)
	f.clock.Advance(6)
	ret, err := f.svc.RequestReturn(ctx, f.actor, out.Borrowing.ID)
	require.NoError(t, err)
	f.pay(t, ret.Payment)

	events, err := f.svc.History(ctx, f.actor, out.Borrowing.ID)
	require.NoError(t, err)

	var types []string
	for i, e := range events {
		assert.Equal(t, i+1, e.Version)
		assert.Equal(t, circulation.AggregateType, e.AggregateType)
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{
		eventlog.BorrowingOpened,
		eventlog.PaymentConfirmed,
		eventlog.ExpectedReturnDateChanged,
		eventlog.ReturnRequested,
		eventlog.PaymentConfirmed,
		eventlog.BorrowingReturned,
	}, types)
	assert.Equal(t, len(events), f.detail(t, out.Borrowing.ID).Version)
}
