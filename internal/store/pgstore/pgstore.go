// Package pgstore is the PostgreSQL circulation store. Transactions take row
// locks (SELECT ... FOR UPDATE) on every book, member, borrowing and payment
// they modify.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/circulation"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/inventory"
	"lendingdesk/internal/membership"
	"lendingdesk/internal/payment"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

type Store struct {
	db      *sqlx.DB
	journal *eventlog.Journal
}

var _ circulation.Store = (*Store)(nil)

func New(db *sqlx.DB) *Store {
	return &Store{db: db, journal: eventlog.NewJournal()}
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return New(db), nil
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx circulation.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, &tx{tx: sqlTx, journal: s.journal}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const detailColumns = `
	br.id, br.book_id, br.borrower_id, br.borrow_date, br.expected_return_date,
	br.actual_return_date, br.version, br.created_at,
	bk.id AS "book.id", bk.title AS "book.title", bk.author AS "book.author", bk.cover AS "book.cover",
	bk.daily_rate AS "book.daily_rate", bk.available_copies AS "book.available_copies",
	bk.created_at AS "book.created_at", bk.updated_at AS "book.updated_at",
	m.id AS "borrower.id", m.email AS "borrower.email", m.first_name AS "borrower.first_name",
	m.last_name AS "borrower.last_name", m.is_staff AS "borrower.is_staff",
	m.notifications_enabled AS "borrower.notifications_enabled", m.chat_id AS "borrower.chat_id",
	m.created_at AS "borrower.created_at"
FROM borrowings br
JOIN books bk ON bk.id = br.book_id
JOIN members m ON m.id = br.borrower_id`

const paymentColumns = `id, borrowing_id, payer_id, kind, status, amount_due, session_id, session_url, settles_return, created_at, paid_at`

func (s *Store) GetBorrowing(ctx context.Context, id uuid.UUID) (*circulation.BorrowingDetail, error) {
	var d circulation.BorrowingDetail
	err := s.db.GetContext(ctx, &d, `SELECT `+detailColumns+` WHERE br.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("borrowing %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get borrowing: %w", err)
	}
	rows := []circulation.BorrowingDetail{d}
	if err := s.attachPayments(ctx, rows); err != nil {
		return nil, err
	}
	return &rows[0], nil
}

func (s *Store) ListBorrowings(ctx context.Context, f circulation.BorrowingFilter) ([]circulation.BorrowingDetail, int, error) {
	var where []string
	var args []any
	if f.BorrowerID != nil {
		args = append(args, *f.BorrowerID)
		where = append(where, fmt.Sprintf("br.borrower_id = $%d", len(args)))
	}
	if f.Active != nil {
		if *f.Active {
			where = append(where, "br.actual_return_date IS NULL")
		} else {
			where = append(where, "br.actual_return_date IS NOT NULL")
		}
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM borrowings br`+cond, args...); err != nil {
		return nil, 0, fmt.Errorf("count borrowings: %w", err)
	}

	page, size := circulation.Normalize(f.Page, f.PageSize)
	args = append(args, size, circulation.Offset(page, size))
	query := fmt.Sprintf(`SELECT %s%s ORDER BY br.created_at DESC, br.id LIMIT $%d OFFSET $%d`,
		detailColumns, cond, len(args)-1, len(args))

	var rows []circulation.BorrowingDetail
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list borrowings: %w", err)
	}
	if err := s.attachPayments(ctx, rows); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (s *Store) ListOverdue(ctx context.Context, today time.Time) ([]circulation.BorrowingDetail, error) {
	var rows []circulation.BorrowingDetail
	err := s.db.SelectContext(ctx, &rows, `SELECT `+detailColumns+`
		WHERE br.actual_return_date IS NULL AND br.expected_return_date < $1
		ORDER BY br.expected_return_date, br.id`, today)
	if err != nil {
		return nil, fmt.Errorf("list overdue borrowings: %w", err)
	}
	if err := s.attachPayments(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return getPayment(ctx, s.db, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (s *Store) GetPaymentBySession(ctx context.Context, sessionID string) (*payment.Payment, error) {
	return getPayment(ctx, s.db, `SELECT `+paymentColumns+` FROM payments WHERE session_id = $1`, sessionID)
}

func (s *Store) ListPayments(ctx context.Context, f circulation.PaymentFilter) ([]payment.Payment, int, error) {
	cond := ""
	var args []any
	if f.PayerID != nil {
		args = append(args, *f.PayerID)
		cond = " WHERE payer_id = $1"
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM payments`+cond, args...); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	page, size := circulation.Normalize(f.Page, f.PageSize)
	args = append(args, size, circulation.Offset(page, size))
	query := fmt.Sprintf(`SELECT %s FROM payments%s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		paymentColumns, cond, len(args)-1, len(args))

	var rows []payment.Payment
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	return rows, total, nil
}

func (s *Store) History(ctx context.Context, borrowingID uuid.UUID) ([]eventlog.Event, error) {
	return s.journal.Load(ctx, s.db, borrowingID)
}

// attachPayments loads the payments of rows in one query.
func (s *Store) attachPayments(ctx context.Context, rows []circulation.BorrowingDetail) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, len(rows))
	index := make(map[uuid.UUID]int, len(rows))
	for i, d := range rows {
		ids[i] = d.ID.String()
		index[d.ID] = i
	}
	var ps []payment.Payment
	err := s.db.SelectContext(ctx, &ps, `SELECT `+paymentColumns+` FROM payments
		WHERE borrowing_id = ANY($1::uuid[]) ORDER BY created_at, id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load payments: %w", err)
	}
	for _, p := range ps {
		i := index[p.BorrowingID]
		rows[i].Payments = append(rows[i].Payments, p)
	}
	return nil
}

func getPayment(ctx context.Context, q sqlx.QueryerContext, query string, arg any) (*payment.Payment, error) {
	var p payment.Payment
	err := sqlx.GetContext(ctx, q, &p, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("payment %v not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

type tx struct {
	tx      *sqlx.Tx
	journal *eventlog.Journal
}

func (t *tx) LockBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error) {
	var b inventory.Book
	err := t.tx.GetContext(ctx, &b, `
		SELECT id, title, author, cover, daily_rate, available_copies, created_at, updated_at
		FROM books WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("book %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock book: %w", err)
	}
	return &b, nil
}

func (t *tx) SetAvailableCopies(ctx context.Context, id uuid.UUID, copies int) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE books SET available_copies = $2, updated_at = NOW() WHERE id = $1`, id, copies)
	if err != nil {
		if pqCode(err) == codeCheckViolation {
			return apperr.OutOfStock("book %s has no copies available", id)
		}
		return fmt.Errorf("update available copies: %w", err)
	}
	return expectOne(res, func() error { return apperr.NotFound("book %s not found", id) })
}

func (t *tx) LockMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	var m membership.Member
	err := t.tx.GetContext(ctx, &m, `
		SELECT id, email, first_name, last_name, is_staff, notifications_enabled, chat_id, created_at
		FROM members WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("member %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock member: %w", err)
	}
	return &m, nil
}

func (t *tx) LockBorrowing(ctx context.Context, id uuid.UUID) (*circulation.Borrowing, error) {
	var b circulation.Borrowing
	err := t.tx.GetContext(ctx, &b, `
		SELECT id, book_id, borrower_id, borrow_date, expected_return_date, actual_return_date, version, created_at
		FROM borrowings WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("borrowing %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock borrowing: %w", err)
	}
	return &b, nil
}

func (t *tx) InsertBorrowing(ctx context.Context, b *circulation.Borrowing) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO borrowings (id, book_id, borrower_id, borrow_date, expected_return_date, actual_return_date, version, created_at)
		VALUES (:id, :book_id, :borrower_id, :borrow_date, :expected_return_date, :actual_return_date, :version, :created_at)`, b)
	if pqCode(err) == codeUniqueViolation {
		return apperr.Conflict("", "borrowing %s already exists", b.ID)
	}
	return err
}

func (t *tx) UpdateBorrowing(ctx context.Context, b *circulation.Borrowing, prevVersion int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE borrowings
		SET expected_return_date = $2, actual_return_date = $3, version = $4
		WHERE id = $1 AND version = $5`,
		b.ID, b.ExpectedReturnDate, b.ActualReturnDate, b.Version, prevVersion)
	if err != nil {
		return fmt.Errorf("update borrowing: %w", err)
	}
	return expectOne(res, func() error { return eventlog.ErrConcurrencyConflict })
}

func (t *tx) DeleteBorrowing(ctx context.Context, id uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM borrowings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete borrowing: %w", err)
	}
	return expectOne(res, func() error { return apperr.NotFound("borrowing %s not found", id) })
}

func (t *tx) InsertPayment(ctx context.Context, p *payment.Payment) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (:id, :borrowing_id, :payer_id, :kind, :status, :amount_due, :session_id, :session_url, :settles_return, :created_at, :paid_at)`, p)
	if pqCode(err) == codeUniqueViolation {
		return apperr.Conflict(p.SessionURL, "borrowing %s already has a pending %s payment", p.BorrowingID, p.Kind)
	}
	return err
}

func (t *tx) MarkPaymentPaid(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE payments SET status = 'PAID', paid_at = $2
		WHERE id = $1 AND status = 'PENDING'`, id, at)
	return err
}

func (t *tx) LockPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return getPayment(ctx, t.tx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (t *tx) LockPaymentBySession(ctx context.Context, sessionID string) (*payment.Payment, error) {
	return getPayment(ctx, t.tx, `SELECT `+paymentColumns+` FROM payments WHERE session_id = $1 FOR UPDATE`, sessionID)
}

func (t *tx) PaymentsByBorrowing(ctx context.Context, borrowingID uuid.UUID) ([]payment.Payment, error) {
	var ps []payment.Payment
	err := t.tx.SelectContext(ctx, &ps, `SELECT `+paymentColumns+` FROM payments
		WHERE borrowing_id = $1 ORDER BY created_at, id`, borrowingID)
	return ps, err
}

func (t *tx) PendingPaymentsByPayer(ctx context.Context, payerID uuid.UUID) ([]payment.Payment, error) {
	var ps []payment.Payment
	err := t.tx.SelectContext(ctx, &ps, `SELECT `+paymentColumns+` FROM payments
		WHERE payer_id = $1 AND status = 'PENDING' ORDER BY created_at, id`, payerID)
	return ps, err
}

func (t *tx) AppendEvents(ctx context.Context, borrowingID uuid.UUID, expectedVersion int, events []eventlog.Event) error {
	return t.journal.Append(ctx, t.tx, borrowingID, circulation.AggregateType, expectedVersion, events)
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func expectOne(res sql.Result, missing func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing()
	}
	return nil
}

// AddBook inserts or replaces a catalog row.
func (s *Store) AddBook(ctx context.Context, b inventory.Book) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO books (id, title, author, cover, daily_rate, available_copies)
		VALUES (:id, :title, :author, :cover, :daily_rate, :available_copies)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, author = EXCLUDED.author, cover = EXCLUDED.cover,
			daily_rate = EXCLUDED.daily_rate, available_copies = EXCLUDED.available_copies,
			updated_at = NOW()`, b)
	if err != nil {
		return fmt.Errorf("save book: %w", err)
	}
	return nil
}

// AddMember inserts or replaces a member row.
func (s *Store) AddMember(ctx context.Context, m membership.Member) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO members (id, email, first_name, last_name, is_staff, notifications_enabled, chat_id)
		VALUES (:id, :email, :first_name, :last_name, :is_staff, :notifications_enabled, :chat_id)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
			is_staff = EXCLUDED.is_staff, notifications_enabled = EXCLUDED.notifications_enabled,
			chat_id = EXCLUDED.chat_id`, m)
	if pqCode(err) == codeUniqueViolation {
		return apperr.Conflict("", "member %s already registered", m.Email)
	}
	if err != nil {
		return fmt.Errorf("save member: %w", err)
	}
	return nil
}

// Book reads a catalog row without locking it.
func (s *Store) Book(ctx context.Context, id uuid.UUID) (*inventory.Book, error) {
	var b inventory.Book
	err := s.db.GetContext(ctx, &b, `
		SELECT id, title, author, cover, daily_rate, available_copies, created_at, updated_at
		FROM books WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("book %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return &b, nil
}
