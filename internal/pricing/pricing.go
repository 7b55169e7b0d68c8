// internal/pricing/pricing.go
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"lendingdesk/internal/clock"
)

// DefaultFineMultiplier is applied to the daily rate for every overdue day.
var DefaultFineMultiplier = decimal.RequireFromString("1.5")

// Engine computes rental charges and overdue fines. Amounts are rounded to the cent.
type Engine struct {
	fineMultiplier decimal.Decimal
}

// NewEngine returns an engine using DefaultFineMultiplier.
func NewEngine() *Engine {
	return &Engine{fineMultiplier: DefaultFineMultiplier}
}

// WithFineMultiplier returns a copy of e using m for fines. Non-positive values are ignored.
func (e *Engine) WithFineMultiplier(m decimal.Decimal) *Engine {
	if !m.IsPositive() {
		return e
	}
	return &Engine{fineMultiplier: m}
}

// FineMultiplier reports the multiplier in use.
func (e *Engine) FineMultiplier() decimal.Decimal { return e.fineMultiplier }

// RentalPrice charges every day of the loan period, both ends inclusive.
func (e *Engine) RentalPrice(borrowDate, expectedReturnDate time.Time, dailyRate decimal.Decimal) decimal.Decimal {
	days := clock.DaysBetween(borrowDate, expectedReturnDate) + 1
	if days <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(days)).Mul(dailyRate).Round(2)
}

// FinePrice charges the days between the expected and the actual return date.
func (e *Engine) FinePrice(expectedReturnDate, actualReturnDate time.Time, dailyRate decimal.Decimal) decimal.Decimal {
	return e.overdue(expectedReturnDate, actualReturnDate, dailyRate)
}

// ProjectedFine is the fine an open borrowing would owe if returned today.
func (e *Engine) ProjectedFine(expectedReturnDate, today time.Time, dailyRate decimal.Decimal) decimal.Decimal {
	return e.overdue(expectedReturnDate, today, dailyRate)
}

func (e *Engine) overdue(expected, until time.Time, dailyRate decimal.Decimal) decimal.Decimal {
	days := clock.DaysBetween(expected, until)
	if days <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(days)).Mul(dailyRate).Mul(e.fineMultiplier).Round(2)
}

// Cents converts an amount to integer minor units.
func Cents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
