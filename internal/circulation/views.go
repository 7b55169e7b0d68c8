// internal/circulation/views.go
package circulation

import (
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/payment"
)

// Views render one borrowing representation for a given audience. Staff get
// the borrower and payment session details, members only their own data.

type BookSummary struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	DailyRate string    `json:"daily_rate"`
}

type BorrowerSummary struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
}

type AdminListView struct {
	ID                 uuid.UUID `json:"id"`
	BookTitle          string    `json:"book_title"`
	BorrowerID         uuid.UUID `json:"borrower_id"`
	BorrowerEmail      string    `json:"borrower_email"`
	BorrowDate         string    `json:"borrow_date"`
	ExpectedReturnDate string    `json:"expected_return_date"`
	ActualReturnDate   *string   `json:"actual_return_date"`
	IsActive           bool      `json:"is_active"`
}

type AdminDetailView struct {
	ID                 uuid.UUID         `json:"id"`
	Book               BookSummary       `json:"book"`
	Borrower           BorrowerSummary   `json:"borrower"`
	BorrowDate         string            `json:"borrow_date"`
	ExpectedReturnDate string            `json:"expected_return_date"`
	ActualReturnDate   *string           `json:"actual_return_date"`
	IsActive           bool              `json:"is_active"`
	DaysElapsed        int               `json:"days_elapsed"`
	Payments           []PaymentListView `json:"payments"`
}

type SelfListView struct {
	ID                 uuid.UUID `json:"id"`
	BookTitle          string    `json:"book_title"`
	BorrowDate         string    `json:"borrow_date"`
	ExpectedReturnDate string    `json:"expected_return_date"`
	ActualReturnDate   *string   `json:"actual_return_date"`
	IsActive           bool      `json:"is_active"`
}

type SelfDetailView struct {
	ID                 uuid.UUID         `json:"id"`
	Book               BookSummary       `json:"book"`
	BorrowDate         string            `json:"borrow_date"`
	ExpectedReturnDate string            `json:"expected_return_date"`
	ActualReturnDate   *string           `json:"actual_return_date"`
	IsActive           bool              `json:"is_active"`
	DaysElapsed        int               `json:"days_elapsed"`
	Payments           []PaymentListView `json:"payments"`
}

type PaymentListView struct {
	ID          uuid.UUID      `json:"id"`
	BorrowingID uuid.UUID      `json:"borrowing_id"`
	Kind        payment.Kind   `json:"kind"`
	Status      payment.Status `json:"status"`
	AmountDue   string         `json:"amount_due"`
	SessionURL  string         `json:"session_url,omitempty"`
}

type PaymentDetailView struct {
	PaymentListView
	PayerID       uuid.UUID  `json:"payer_id"`
	SessionID     string     `json:"session_id,omitempty"`
	SettlesReturn bool       `json:"settles_return"`
	CreatedAt     time.Time  `json:"created_at"`
	PaidAt        *time.Time `json:"paid_at"`
}

func AdminList(d BorrowingDetail) AdminListView {
	return AdminListView{
		ID:                 d.ID,
		BookTitle:          d.Book.Title,
		BorrowerID:         d.BorrowerID,
		BorrowerEmail:      d.Borrower.Email,
		BorrowDate:         day(d.BorrowDate),
		ExpectedReturnDate: day(d.ExpectedReturnDate),
		ActualReturnDate:   optionalDay(d.ActualReturnDate),
		IsActive:           d.IsActive(),
	}
}

func AdminDetail(d BorrowingDetail, today time.Time) AdminDetailView {
	return AdminDetailView{
		ID:   d.ID,
		Book: bookSummary(d),
		Borrower: BorrowerSummary{
			ID:        d.Borrower.ID,
			Email:     d.Borrower.Email,
			FirstName: d.Borrower.FirstName,
			LastName:  d.Borrower.LastName,
		},
		BorrowDate:         day(d.BorrowDate),
		ExpectedReturnDate: day(d.ExpectedReturnDate),
		ActualReturnDate:   optionalDay(d.ActualReturnDate),
		IsActive:           d.IsActive(),
		DaysElapsed:        d.DaysElapsed(today),
		Payments:           PaymentList(d.Payments),
	}
}

func SelfList(d BorrowingDetail) SelfListView {
	return SelfListView{
		ID:                 d.ID,
		BookTitle:          d.Book.Title,
		BorrowDate:         day(d.BorrowDate),
		ExpectedReturnDate: day(d.ExpectedReturnDate),
		ActualReturnDate:   optionalDay(d.ActualReturnDate),
		IsActive:           d.IsActive(),
	}
}

func SelfDetail(d BorrowingDetail, today time.Time) SelfDetailView {
	return SelfDetailView{
		ID:                 d.ID,
		Book:               bookSummary(d),
		BorrowDate:         day(d.BorrowDate),
		ExpectedReturnDate: day(d.ExpectedReturnDate),
		ActualReturnDate:   optionalDay(d.ActualReturnDate),
		IsActive:           d.IsActive(),
		DaysElapsed:        d.DaysElapsed(today),
		Payments:           PaymentList(d.Payments),
	}
}

// ListView picks the list projection for the actor.
func ListView(actor Actor, d BorrowingDetail) any {
	if actor.Staff {
		return AdminList(d)
	}
	return SelfList(d)
}

// DetailView picks the detail projection for the actor.
func DetailView(actor Actor, d BorrowingDetail, today time.Time) any {
	if actor.Staff {
		return AdminDetail(d, today)
	}
	return SelfDetail(d, today)
}

// PaymentItem hides the session URL once there is nothing left to pay.
func PaymentItem(p payment.Payment) PaymentListView {
	v := PaymentListView{
		ID:          p.ID,
		BorrowingID: p.BorrowingID,
		Kind:        p.Kind,
		Status:      p.Status,
		AmountDue:   p.AmountDue.StringFixed(2),
	}
	if p.Pending() {
		v.SessionURL = p.SessionURL
	}
	return v
}

func PaymentList(ps []payment.Payment) []PaymentListView {
	out := make([]PaymentListView, 0, len(ps))
	for _, p := range ps {
		out = append(out, PaymentItem(p))
	}
	return out
}

func PaymentDetail(p payment.Payment) PaymentDetailView {
	v := PaymentDetailView{
		PaymentListView: PaymentItem(p),
		PayerID:         p.PayerID,
		SessionID:       p.SessionID,
		SettlesReturn:   p.SettlesReturn,
		CreatedAt:       p.CreatedAt,
		PaidAt:          p.PaidAt,
	}
	v.SessionURL = p.SessionURL
	return v
}

// PaymentView picks the payment projection for the actor. Only staff see the
// gateway session id.
func PaymentView(actor Actor, p payment.Payment) PaymentDetailView {
	v := PaymentDetail(p)
	if !actor.Staff {
		v.SessionID = ""
	}
	return v
}

func bookSummary(d BorrowingDetail) BookSummary {
	return BookSummary{
		ID:        d.Book.ID,
		Title:     d.Book.Title,
		Author:    d.Book.Author,
		DailyRate: d.Book.DailyRate.StringFixed(2),
	}
}

func day(t time.Time) string { return t.Format(time.DateOnly) }

func optionalDay(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := day(*t)
	return &s
}
