// internal/inventory/domain.go
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Book is a lendable title and the number of its copies currently on the shelf.
type Book struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Title           string          `json:"title" db:"title"`
	Author          string          `json:"author" db:"author"`
	Cover           string          `json:"cover" db:"cover"`
	DailyRate       decimal.Decimal `json:"daily_rate" db:"daily_rate"`
	AvailableCopies int             `json:"available_copies" db:"available_copies"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}
