// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/inventory"
	"lendingdesk/internal/membership"
	"lendingdesk/internal/notify"
	"lendingdesk/internal/payment"
	"lendingdesk/internal/pricing"
)

// AggregateType tags borrowing events in the journal.
const AggregateType = "borrowing"

// Notifier queues a chat message without waiting for delivery.
type Notifier interface {
	Post(ctx context.Context, m notify.Message) error
}

// service implements the Service interface.
type service struct {
	store    Store
	gateway  payment.Gateway
	ledger   inventory.Ledger
	pricing  *pricing.Engine
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	baseURL  string
	currency string
}

// Option configures the circulation service.
type Option func(*service)

func WithPricing(e *pricing.Engine) Option { return func(s *service) { s.pricing = e } }
func WithNotifier(n Notifier) Option       { return func(s *service) { s.notifier = n } }
func WithClock(c clock.Clock) Option       { return func(s *service) { s.clock = c } }
func WithLogger(l *slog.Logger) Option     { return func(s *service) { s.logger = l } }

// WithBaseURL sets the public address the gateway redirects back to.
func WithBaseURL(u string) Option {
	return func(s *service) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithCurrency(c string) Option { return func(s *service) { s.currency = strings.ToLower(c) } }

// NewService creates a new circulation service instance.
func NewService(store Store, gateway payment.Gateway, opts ...Option) Service {
	s := &service{
		store:    store,
		gateway:  gateway,
		pricing:  pricing.NewEngine(),
		clock:    clock.Real(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("lendingdesk/circulation"),
		baseURL:  "http://localhost:8080",
		currency: "usd",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBorrowing takes a copy off the shelf, opens the borrowing and the
// checkout session for its rental in one transaction.
func (s *service) CreateBorrowing(ctx context.Context, actor Actor, bookID uuid.UUID, expectedReturnDate time.Time) (_ *Checkout, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.create_borrowing", trace.WithAttributes(
		attribute.String("book.id", bookID.String()),
		attribute.String("borrower.id", actor.MemberID.String()),
	))
	defer func() { endSpan(span, err) }()

	today := clock.Today(s.clock)
	expected := clock.Day(expectedReturnDate)
	if err := checkExpectedDate(expected, today, today); err != nil {
		return nil, err
	}

	var (
		out    Checkout
		book   *inventory.Book
		member *membership.Member
	)
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		member, err = tx.LockMember(ctx, actor.MemberID)
		if err != nil {
			return err
		}
		pending, err := tx.PendingPaymentsByPayer(ctx, member.ID)
		if err != nil {
			return fmt.Errorf("check pending payments: %w", err)
		}
		if p, ok := payment.FirstPending(pending); ok {
			return apperr.Conflict(p.SessionURL, "you have a pending payment, pay it before borrowing another book")
		}

		book, err = s.ledger.Reserve(ctx, tx, bookID)
		if err != nil {
			return err
		}

		b := &Borrowing{
			ID:                 uuid.New(),
			BookID:             book.ID,
			BorrowerID:         member.ID,
			BorrowDate:         today,
			ExpectedReturnDate: expected,
			CreatedAt:          s.clock.Now().UTC(),
		}
		amount := s.pricing.RentalPrice(b.BorrowDate, b.ExpectedReturnDate, book.DailyRate)
		opened, err := eventlog.New(eventlog.BorrowingOpened, BorrowingOpenedEvent{
			BookID:             b.BookID,
			BorrowerID:         b.BorrowerID,
			BorrowDate:         b.BorrowDate.Format(time.DateOnly),
			ExpectedReturnDate: b.ExpectedReturnDate.Format(time.DateOnly),
			RentalDue:          amount.StringFixed(2),
		})
		if err != nil {
			return err
		}
		if err := s.record(ctx, tx, b, opened); err != nil {
			return err
		}
		p, err := s.openPayment(ctx, tx, b, book, member, payment.KindRental, amount, false)
		if err != nil {
			return err
		}
		out = Checkout{Borrowing: *b, Payment: p}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.announceBorrowing(ctx, out.Borrowing, *book, *member)
	return &out, nil
}

// UpdateExpectedReturnDate moves the due date of an open borrowing. Members
// can only borrow and return, so this is staff only.
func (s *service) UpdateExpectedReturnDate(ctx context.Context, actor Actor, borrowingID uuid.UUID, newDate time.Time) (_ *Borrowing, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.update_expected_return_date",
		trace.WithAttributes(attribute.String("borrowing.id", borrowingID.String())))
	defer func() { endSpan(span, err) }()

	if !actor.Staff {
		return nil, apperr.Forbidden("only staff can change the expected return date")
	}

	today := clock.Today(s.clock)
	newDate = clock.Day(newDate)

	var out Borrowing
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := s.lockOwned(ctx, tx, actor, borrowingID)
		if err != nil {
			return err
		}
		if !b.IsActive() {
			return apperr.Validation("borrowing %s is already returned, its return date cannot change", b.ID)
		}
		if err := checkExpectedDate(newDate, b.BorrowDate, today); err != nil {
			return err
		}
		if newDate.Equal(b.ExpectedReturnDate) {
			out = *b
			return nil
		}

		changed, err := eventlog.New(eventlog.ExpectedReturnDateChanged, ExpectedReturnDateChangedEvent{
			From: b.ExpectedReturnDate.Format(time.DateOnly),
			To:   newDate.Format(time.DateOnly),
		})
		if err != nil {
			return err
		}
		b.ExpectedReturnDate = newDate
		if err := s.record(ctx, tx, b, changed); err != nil {
			return err
		}
		out = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestReturn opens the checkout session that completes a return. When
// nothing is owed the borrowing is closed right away.
func (s *service) RequestReturn(ctx context.Context, actor Actor, borrowingID uuid.UUID) (_ *Checkout, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.request_return",
		trace.WithAttributes(attribute.String("borrowing.id", borrowingID.String())))
	defer func() { endSpan(span, err) }()

	today := clock.Today(s.clock)

	var out Checkout
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := s.lockOwned(ctx, tx, actor, borrowingID)
		if err != nil {
			return err
		}
		if !b.IsActive() {
			return apperr.State("borrowing %s is already returned", b.ID)
		}
		payments, err := tx.PaymentsByBorrowing(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("load payments: %w", err)
		}
		if p, ok := payment.FirstPending(payments); ok {
			return apperr.Conflict(p.SessionURL, "this borrowing has a pending payment, pay it before returning the book")
		}
		member, err := tx.LockMember(ctx, b.BorrowerID)
		if err != nil {
			return err
		}
		book, err := tx.LockBook(ctx, b.BookID)
		if err != nil {
			return err
		}

		kind, amount := s.returnCharge(*b, *book, payments, today)
		span.SetAttributes(attribute.String("payment.kind", string(kind)), attribute.String("payment.amount", amount.StringFixed(2)))

		if !amount.IsPositive() {
			if err := s.completeReturn(ctx, tx, b, today); err != nil {
				return err
			}
			out = Checkout{Borrowing: *b}
			return nil
		}

		p, err := s.openPayment(ctx, tx, b, book, member, kind, amount, true)
		if err != nil {
			return err
		}
		requested, err := eventlog.New(eventlog.ReturnRequested, ReturnRequestedEvent{
			PaymentID: p.ID,
			Kind:      p.Kind,
			AmountDue: p.AmountDue.StringFixed(2),
		})
		if err != nil {
			return err
		}
		if err := s.record(ctx, tx, b, requested); err != nil {
			return err
		}
		out = Checkout{Borrowing: *b, Payment: p}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmReturnPayment marks a return payment paid and closes its borrowing.
// Confirming a paid payment again changes nothing.
func (s *service) ConfirmReturnPayment(ctx context.Context, paymentID uuid.UUID) (_ *payment.Payment, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.confirm_return_payment",
		trace.WithAttributes(attribute.String("payment.id", paymentID.String())))
	defer func() { endSpan(span, err) }()

	var out payment.Payment
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status == payment.StatusPaid {
			out = *p
			return nil
		}
		if !p.SettlesReturn {
			return apperr.State("payment %s does not settle a return", p.ID)
		}
		if err := s.settle(ctx, tx, p); err != nil {
			return err
		}
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// OnSessionSucceeded applies a gateway success callback. Rental payments are
// marked paid, return payments also close the borrowing. A session that does
// not belong to borrowingID is ignored.
func (s *service) OnSessionSucceeded(ctx context.Context, borrowingID uuid.UUID, sessionID string) (_ *payment.Payment, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.session_succeeded",
		trace.WithAttributes(
			attribute.String("borrowing.id", borrowingID.String()),
			attribute.String("session.id", sessionID),
		))
	defer func() { endSpan(span, err) }()

	var out *payment.Payment
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPaymentBySession(ctx, sessionID)
		if errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("ignoring success callback for unknown session", "session_id", sessionID)
			return nil
		}
		if err != nil {
			return err
		}
		if p.BorrowingID != borrowingID {
			s.logger.Warn("ignoring success callback for a session of another borrowing",
				"session_id", sessionID, "borrowing_id", borrowingID, "payment_borrowing_id", p.BorrowingID)
			return nil
		}
		if p.Status == payment.StatusPending {
			if err := s.settle(ctx, tx, p); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OnSessionCancelled leaves the payment pending so it can be paid later.
func (s *service) OnSessionCancelled(ctx context.Context, borrowingID uuid.UUID, sessionID string) (*payment.Payment, error) {
	p, err := s.store.GetPaymentBySession(ctx, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("ignoring cancel callback for unknown session", "session_id", sessionID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.BorrowingID != borrowingID {
		s.logger.Warn("ignoring cancel callback for a session of another borrowing",
			"session_id", sessionID, "borrowing_id", borrowingID, "payment_borrowing_id", p.BorrowingID)
		return nil, nil
	}
	s.logger.Info("checkout session cancelled", "session_id", sessionID, "payment_id", p.ID, "status", p.Status)
	return p, nil
}

// ResumePayment returns the pending payment of a borrowing so its existing
// session can be paid.
func (s *service) ResumePayment(ctx context.Context, actor Actor, borrowingID uuid.UUID) (*payment.Payment, error) {
	d, err := s.GetBorrowing(ctx, actor, borrowingID)
	if err != nil {
		return nil, err
	}
	p, ok := payment.FirstPending(d.Payments)
	if !ok {
		return nil, apperr.NotFound("borrowing %s has no pending payment", borrowingID)
	}
	return &p, nil
}

// DeleteBorrowing removes a borrowing and its payments. A copy still out on
// loan goes back on the shelf.
func (s *service) DeleteBorrowing(ctx context.Context, actor Actor, borrowingID uuid.UUID) (err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.delete_borrowing",
		trace.WithAttributes(attribute.String("borrowing.id", borrowingID.String())))
	defer func() { endSpan(span, err) }()

	if !actor.Staff {
		return apperr.Forbidden("only staff can delete borrowings")
	}
	return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.LockBorrowing(ctx, borrowingID)
		if err != nil {
			return err
		}
		if b.IsActive() {
			if _, err := s.ledger.Release(ctx, tx, b.BookID); err != nil {
				return err
			}
		}
		deleted, err := eventlog.New(eventlog.BorrowingDeleted, BorrowingDeletedEvent{WasActive: b.IsActive()})
		if err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, b.ID, b.Version, []eventlog.Event{deleted}); err != nil {
			return journalError(b.ID, err)
		}
		return tx.DeleteBorrowing(ctx, b.ID)
	})
}

func (s *service) GetBorrowing(ctx context.Context, actor Actor, borrowingID uuid.UUID) (*BorrowingDetail, error) {
	d, err := s.store.GetBorrowing(ctx, borrowingID)
	if err != nil {
		return nil, err
	}
	if !actor.owns(d.Borrowing) {
		return nil, apperr.NotFound("borrowing %s not found", borrowingID)
	}
	return d, nil
}

// ListBorrowings pages through borrowings. Non-staff callers only ever see
// their own, whatever borrower filter they ask for.
func (s *service) ListBorrowings(ctx context.Context, actor Actor, f BorrowingFilter) ([]BorrowingDetail, int, error) {
	if !actor.Staff {
		id := actor.MemberID
		f.BorrowerID = &id
	}
	f.Page, f.PageSize = Normalize(f.Page, f.PageSize)
	return s.store.ListBorrowings(ctx, f)
}

func (s *service) GetPayment(ctx context.Context, actor Actor, paymentID uuid.UUID) (*payment.Payment, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !actor.Staff && p.PayerID != actor.MemberID {
		return nil, apperr.NotFound("payment %s not found", paymentID)
	}
	return p, nil
}

func (s *service) ListPayments(ctx context.Context, actor Actor, f PaymentFilter) ([]payment.Payment, int, error) {
	if !actor.Staff {
		id := actor.MemberID
		f.PayerID = &id
	}
	f.Page, f.PageSize = Normalize(f.Page, f.PageSize)
	return s.store.ListPayments(ctx, f)
}

func (s *service) History(ctx context.Context, actor Actor, borrowingID uuid.UUID) ([]eventlog.Event, error) {
	if _, err := s.GetBorrowing(ctx, actor, borrowingID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, borrowingID)
}

// returnCharge prices a return made today. Rental already paid is deducted,
// and a late return is charged as a fine that carries any unpaid rental.
func (s *service) returnCharge(b Borrowing, book inventory.Book, payments []payment.Payment, today time.Time) (payment.Kind, decimal.Decimal) {
	rental := s.pricing.RentalPrice(b.BorrowDate, b.ExpectedReturnDate, book.DailyRate)
	outstanding := rental.Sub(payment.PaidTotal(payments, payment.KindRental))
	if outstanding.IsNegative() {
		outstanding = decimal.Zero
	}
	if !today.After(b.ExpectedReturnDate) {
		return payment.KindRental, outstanding
	}
	fine := s.pricing.FinePrice(b.ExpectedReturnDate, today, book.DailyRate)
	return payment.KindFine, fine.Add(outstanding)
}

// settle marks a pending payment paid and, for a return payment, closes the borrowing.
func (s *service) settle(ctx context.Context, tx Tx, p *payment.Payment) error {
	now := s.clock.Now().UTC()
	if err := tx.MarkPaymentPaid(ctx, p.ID, now); err != nil {
		return fmt.Errorf("mark payment paid: %w", err)
	}
	p.Status = payment.StatusPaid
	p.PaidAt = &now

	b, err := tx.LockBorrowing(ctx, p.BorrowingID)
	if err != nil {
		return err
	}
	confirmed, err := eventlog.New(eventlog.PaymentConfirmed, PaymentConfirmedEvent{
		PaymentID: p.ID,
		Kind:      p.Kind,
		SessionID: p.SessionID,
	})
	if err != nil {
		return err
	}
	if !p.SettlesReturn || !b.IsActive() {
		return s.record(ctx, tx, b, confirmed)
	}
	return s.completeReturn(ctx, tx, b, clock.Today(s.clock), confirmed)
}

// completeReturn sets the return date and puts the copy back on the shelf.
func (s *service) completeReturn(ctx context.Context, tx Tx, b *Borrowing, today time.Time, preceding ...eventlog.Event) error {
	if _, err := s.ledger.Release(ctx, tx, b.BookID); err != nil {
		return err
	}
	returned, err := eventlog.New(eventlog.BorrowingReturned, BorrowingReturnedEvent{
		ActualReturnDate: today.Format(time.DateOnly),
	})
	if err != nil {
		return err
	}
	b.ActualReturnDate = &today
	return s.record(ctx, tx, b, append(preceding, returned)...)
}

// openPayment opens a gateway session and stores its pending payment. A
// gateway failure aborts the enclosing transaction.
func (s *service) openPayment(ctx context.Context, tx Tx, b *Borrowing, book *inventory.Book, member *membership.Member, kind payment.Kind, amount decimal.Decimal, settlesReturn bool) (*payment.Payment, error) {
	amount = amount.Round(2)
	session, err := s.gateway.OpenSession(ctx, payment.SessionRequest{
		Currency:           s.currency,
		UnitAmount:         pricing.Cents(amount),
		ProductName:        book.Title,
		ProductDescription: "User: " + member.Email,
		SuccessURL:         s.callbackURL("success", b.ID),
		CancelURL:          s.callbackURL("cancel", b.ID),
	})
	if err != nil {
		s.logger.Error("checkout session failed, rolling back", "borrowing_id", b.ID, "kind", kind, "err", err)
		return nil, apperr.Gateway(err, "could not open a %s checkout session", strings.ToLower(string(kind)))
	}

	p := &payment.Payment{
		ID:            uuid.New(),
		BorrowingID:   b.ID,
		PayerID:       member.ID,
		Kind:          kind,
		Status:        payment.StatusPending,
		AmountDue:     amount,
		SessionID:     session.ID,
		SessionURL:    session.URL,
		SettlesReturn: settlesReturn,
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return p, nil
}

func (s *service) callbackURL(outcome string, borrowingID uuid.UUID) string {
	// The placeholder is substituted by the gateway, it must stay unescaped.
	return fmt.Sprintf("%s/payments/%s/%s?session_id={CHECKOUT_SESSION_ID}",
		s.baseURL, outcome, url.PathEscape(borrowingID.String()))
}

// record journals events for b and persists its new state at the next version.
func (s *service) record(ctx context.Context, tx Tx, b *Borrowing, events ...eventlog.Event) error {
	prev := b.Version
	if err := tx.AppendEvents(ctx, b.ID, prev, events); err != nil {
		return journalError(b.ID, err)
	}
	b.Version = prev + len(events)
	if prev == 0 {
		if err := tx.InsertBorrowing(ctx, b); err != nil {
			return fmt.Errorf("insert borrowing: %w", err)
		}
		return nil
	}
	if err := tx.UpdateBorrowing(ctx, b, prev); err != nil {
		return fmt.Errorf("update borrowing: %w", err)
	}
	return nil
}

func (s *service) lockOwned(ctx context.Context, tx Tx, actor Actor, id uuid.UUID) (*Borrowing, error) {
	b, err := tx.LockBorrowing(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(*b) {
		return nil, apperr.NotFound("borrowing %s not found", id)
	}
	return b, nil
}

func (s *service) announceBorrowing(ctx context.Context, b Borrowing, book inventory.Book, member membership.Member) {
	if s.notifier == nil {
		return
	}
	due := b.ExpectedReturnDate.Format(time.DateOnly)
	var msgs []notify.Message
	if member.Reachable() {
		msgs = append(msgs, notify.ToUser(*member.ChatID,
			fmt.Sprintf("You borrowed %q by %s. Please return it by %s.", book.Title, book.Author, due)))
	}
	msgs = append(msgs, notify.ToAdmins(
		fmt.Sprintf("New borrowing: %q taken by %s, due %s. %d copies left.", book.Title, member.Email, due, book.AvailableCopies)))
	for _, m := range msgs {
		if err := s.notifier.Post(ctx, m); err != nil {
			s.logger.Warn("borrowing notification not queued", "borrowing_id", b.ID, "admin", m.Admin, "err", err)
		}
	}
}

// checkExpectedDate enforces today < date <= borrowDate + MaxLoanDays.
func checkExpectedDate(date, borrowDate, today time.Time) error {
	if !date.After(today) {
		return apperr.Validation("expected return date %s must be after %s", date.Format(time.DateOnly), today.Format(time.DateOnly))
	}
	if limit := clock.AddDays(borrowDate, MaxLoanDays); date.After(limit) {
		return apperr.Validation("expected return date %s is more than %d days after the borrow date, latest is %s",
			date.Format(time.DateOnly), MaxLoanDays, limit.Format(time.DateOnly))
	}
	return nil
}

func journalError(id uuid.UUID, err error) error {
	if errors.Is(err, eventlog.ErrConcurrencyConflict) {
		return apperr.Conflict("", "borrowing %s was changed concurrently, try again", id)
	}
	return fmt.Errorf("journal borrowing %s: %w", id, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", string(apperr.KindOf(err))))
	}
	span.End()
}
