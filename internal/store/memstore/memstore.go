// Package memstore is an in-memory circulation store. Transactions are
// serialized and run against a staged copy of the state that replaces the
// committed state only when the transaction function succeeds.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/circulation"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/inventory"
	"lendingdesk/internal/membership"
	"lendingdesk/internal/payment"
)

type state struct {
	books      map[uuid.UUID]inventory.Book
	members    map[uuid.UUID]membership.Member
	borrowings map[uuid.UUID]circulation.Borrowing
	payments   map[uuid.UUID]payment.Payment
	events     map[uuid.UUID][]eventlog.Event
	lastEvent  int64
}

func newState() *state {
	return &state{
		books:      make(map[uuid.UUID]inventory.Book),
		members:    make(map[uuid.UUID]membership.Member),
		borrowings: make(map[uuid.UUID]circulation.Borrowing),
		payments:   make(map[uuid.UUID]payment.Payment),
		events:     make(map[uuid.UUID][]eventlog.Event),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.borrowings {
		c.borrowings[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.events {
		c.events[k] = append([]eventlog.Event(nil), v...)
	}
	c.lastEvent = s.lastEvent
	return c
}

// Store implements circulation.Store.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

var _ circulation.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// AddBook stores or replaces a book.
func (s *Store) AddBook(b inventory.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	s.st.books[b.ID] = b
}

// AddMember stores or replaces a member.
func (s *Store) AddMember(m membership.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.st.members[m.ID] = m
}

// AddBorrowing stores a borrowing without touching inventory or payments.
// Used to set up loans that started in the past. A borrowing without a
// version is journaled as opened.
func (s *Store) AddBorrowing(b circulation.Borrowing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Version == 0 {
		s.st.lastEvent++
		s.st.events[b.ID] = []eventlog.Event{{
			ID:            s.st.lastEvent,
			AggregateID:   b.ID,
			AggregateType: circulation.AggregateType,
			EventType:     eventlog.BorrowingOpened,
			EventData:     []byte(`{}`),
			Version:       1,
			CreatedAt:     s.now(),
		}}
		b.Version = 1
	}
	s.st.borrowings[b.ID] = b
}

// Book returns the committed state of a book.
func (s *Store) Book(id uuid.UUID) (inventory.Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.st.books[id]
	return b, ok
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx circulation.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.st.clone()
	if err := fn(ctx, &tx{st: staged, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.st = staged
	return nil
}

func (s *Store) GetBorrowing(_ context.Context, id uuid.UUID) (*circulation.BorrowingDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.st.borrowings[id]
	if !ok {
		return nil, apperr.NotFound("borrowing %s not found", id)
	}
	d := s.st.detail(b)
	return &d, nil
}

func (s *Store) ListBorrowings(_ context.Context, f circulation.BorrowingFilter) ([]circulation.BorrowingDetail, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []circulation.Borrowing
	for _, b := range s.st.borrowings {
		if f.BorrowerID != nil && b.BorrowerID != *f.BorrowerID {
			continue
		}
		if f.Active != nil && b.IsActive() != *f.Active {
			continue
		}
		rows = append(rows, b)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})

	total := len(rows)
	page := pageOf(rows, f.Page, f.PageSize)
	out := make([]circulation.BorrowingDetail, 0, len(page))
	for _, b := range page {
		out = append(out, s.st.detail(b))
	}
	return out, total, nil
}

func (s *Store) ListOverdue(_ context.Context, today time.Time) ([]circulation.BorrowingDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []circulation.BorrowingDetail
	for _, b := range s.st.borrowings {
		if b.Overdue(today) {
			out = append(out, s.st.detail(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpectedReturnDate.Equal(out[j].ExpectedReturnDate) {
			return out[i].ExpectedReturnDate.Before(out[j].ExpectedReturnDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) GetPayment(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment %s not found", id)
	}
	return &p, nil
}

func (s *Store) GetPaymentBySession(_ context.Context, sessionID string) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.paymentBySession(sessionID)
}

func (s *Store) ListPayments(_ context.Context, f circulation.PaymentFilter) ([]payment.Payment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []payment.Payment
	for _, p := range s.st.payments {
		if f.PayerID != nil && p.PayerID != *f.PayerID {
			continue
		}
		rows = append(rows, p)
	}
	sortPayments(rows)
	return pageOf(rows, f.Page, f.PageSize), len(rows), nil
}

func (s *Store) History(_ context.Context, borrowingID uuid.UUID) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventlog.Event(nil), s.st.events[borrowingID]...), nil
}

func (s *state) detail(b circulation.Borrowing) circulation.BorrowingDetail {
	return circulation.BorrowingDetail{
		Borrowing: b,
		Book:      s.books[b.BookID],
		Borrower:  s.members[b.BorrowerID],
		Payments:  s.paymentsOf(b.ID),
	}
}

func (s *state) paymentsOf(borrowingID uuid.UUID) []payment.Payment {
	var out []payment.Payment
	for _, p := range s.payments {
		if p.BorrowingID == borrowingID {
			out = append(out, p)
		}
	}
	sortPayments(out)
	return out
}

func (s *state) paymentBySession(sessionID string) (*payment.Payment, error) {
	for _, p := range s.payments {
		if p.SessionID == sessionID {
			return &p, nil
		}
	}
	return nil, apperr.NotFound("no payment for session %s", sessionID)
}

func sortPayments(ps []payment.Payment) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID.String() < ps[j].ID.String()
	})
}

func pageOf[T any](rows []T, page, pageSize int) []T {
	page, pageSize = circulation.Normalize(page, pageSize)
	start := (page - 1) * pageSize
	if start >= len(rows) {
		return nil
	}
	end := start + pageSize
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}

// tx is a staged view of the store. Every method sees the writes made
// earlier in the same transaction.
type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) LockBook(_ context.Context, id uuid.UUID) (*inventory.Book, error) {
	b, ok := t.st.books[id]
	if !ok {
		return nil, apperr.NotFound("book %s not found", id)
	}
	return &b, nil
}

func (t *tx) SetAvailableCopies(_ context.Context, id uuid.UUID, copies int) error {
	b, ok := t.st.books[id]
	if !ok {
		return apperr.NotFound("book %s not found", id)
	}
	if copies < 0 {
		return fmt.Errorf("book %s: available copies cannot be negative", id)
	}
	b.AvailableCopies = copies
	b.UpdatedAt = t.now()
	t.st.books[id] = b
	return nil
}

func (t *tx) LockMember(_ context.Context, id uuid.UUID) (*membership.Member, error) {
	m, ok := t.st.members[id]
	if !ok {
		return nil, apperr.NotFound("member %s not found", id)
	}
	return &m, nil
}

func (t *tx) LockBorrowing(_ context.Context, id uuid.UUID) (*circulation.Borrowing, error) {
	b, ok := t.st.borrowings[id]
	if !ok {
		return nil, apperr.NotFound("borrowing %s not found", id)
	}
	return &b, nil
}

func (t *tx) InsertBorrowing(_ context.Context, b *circulation.Borrowing) error {
	if _, ok := t.st.borrowings[b.ID]; ok {
		return apperr.Conflict("", "borrowing %s already exists", b.ID)
	}
	if _, ok := t.st.books[b.BookID]; !ok {
		return apperr.NotFound("book %s not found", b.BookID)
	}
	if _, ok := t.st.members[b.BorrowerID]; !ok {
		return apperr.NotFound("member %s not found", b.BorrowerID)
	}
	t.st.borrowings[b.ID] = *b
	return nil
}

func (t *tx) UpdateBorrowing(_ context.Context, b *circulation.Borrowing, prevVersion int) error {
	cur, ok := t.st.borrowings[b.ID]
	if !ok {
		return apperr.NotFound("borrowing %s not found", b.ID)
	}
	if cur.Version != prevVersion {
		return eventlog.ErrConcurrencyConflict
	}
	t.st.borrowings[b.ID] = *b
	return nil
}

func (t *tx) DeleteBorrowing(_ context.Context, id uuid.UUID) error {
	if _, ok := t.st.borrowings[id]; !ok {
		return apperr.NotFound("borrowing %s not found", id)
	}
	delete(t.st.borrowings, id)
	for pid, p := range t.st.payments {
		if p.BorrowingID == id {
			delete(t.st.payments, pid)
		}
	}
	return nil
}

func (t *tx) InsertPayment(_ context.Context, p *payment.Payment) error {
	if _, ok := t.st.borrowings[p.BorrowingID]; !ok {
		return apperr.NotFound("borrowing %s not found", p.BorrowingID)
	}
	for _, other := range t.st.payments {
		if other.SessionID == p.SessionID {
			return apperr.Conflict("", "session %s is already recorded", p.SessionID)
		}
		if p.Pending() && other.Pending() && other.BorrowingID == p.BorrowingID && other.Kind == p.Kind {
			return apperr.Conflict(other.SessionURL, "borrowing %s already has a pending %s payment", p.BorrowingID, p.Kind)
		}
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *tx) MarkPaymentPaid(_ context.Context, id uuid.UUID, at time.Time) error {
	p, ok := t.st.payments[id]
	if !ok {
		return apperr.NotFound("payment %s not found", id)
	}
	if p.Status == payment.StatusPaid {
		return nil
	}
	p.Status = payment.StatusPaid
	p.PaidAt = &at
	t.st.payments[id] = p
	return nil
}

func (t *tx) LockPayment(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment %s not found", id)
	}
	return &p, nil
}

func (t *tx) LockPaymentBySession(_ context.Context, sessionID string) (*payment.Payment, error) {
	return t.st.paymentBySession(sessionID)
}

func (t *tx) PaymentsByBorrowing(_ context.Context, borrowingID uuid.UUID) ([]payment.Payment, error) {
	return t.st.paymentsOf(borrowingID), nil
}

func (t *tx) PendingPaymentsByPayer(_ context.Context, payerID uuid.UUID) ([]payment.Payment, error) {
	var out []payment.Payment
	for _, p := range t.st.payments {
		if p.PayerID == payerID && p.Pending() {
			out = append(out, p)
		}
	}
	sortPayments(out)
	return out, nil
}

func (t *tx) AppendEvents(_ context.Context, borrowingID uuid.UUID, expectedVersion int, events []eventlog.Event) error {
	if len(events) == 0 {
		return eventlog.ErrNoEvents
	}
	current := t.st.events[borrowingID]
	version := 0
	if n := len(current); n > 0 {
		version = current[n-1].Version
	}
	if version != expectedVersion {
		return eventlog.ErrConcurrencyConflict
	}
	for _, e := range eventlog.Stamp(borrowingID, circulation.AggregateType, expectedVersion, events, t.now()) {
		t.st.lastEvent++
		e.ID = t.st.lastEvent
		current = append(current, e)
	}
	t.st.events[borrowingID] = current
	return nil
}
