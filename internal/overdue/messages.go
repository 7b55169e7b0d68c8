package overdue

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"lendingdesk/internal/circulation"
)

// Item is one overdue borrowing found by a scan.
type Item struct {
	Borrowing    circulation.BorrowingDetail
	DaysOverdue  int
	ProjectedFee decimal.Decimal
}

func userMessage(it Item) string {
	return fmt.Sprintf(
		"Your borrowing of %q was due on %s and is %d day(s) overdue.\nFine so far: %s. Please return the book as soon as possible.",
		it.Borrowing.Book.Title,
		it.Borrowing.ExpectedReturnDate.Format(time.DateOnly),
		it.DaysOverdue,
		it.ProjectedFee.StringFixed(2),
	)
}

func adminSummary(today time.Time, items []Item) string {
	if len(items) == 0 {
		return fmt.Sprintf("Overdue scan %s: no overdue borrowings.", today.Format(time.DateOnly))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Overdue scan %s: %d overdue borrowing(s)", today.Format(time.DateOnly), len(items))
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.ProjectedFee)
		fmt.Fprintf(&sb, "\n- %s: %q due %s, %d day(s), fine %s",
			it.Borrowing.Borrower.Email,
			it.Borrowing.Book.Title,
			it.Borrowing.ExpectedReturnDate.Format(time.DateOnly),
			it.DaysOverdue,
			it.ProjectedFee.StringFixed(2),
		)
	}
	fmt.Fprintf(&sb, "\nProjected fines: %s", total.StringFixed(2))
	return sb.String()
}
