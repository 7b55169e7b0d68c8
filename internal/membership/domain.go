// internal/membership/domain.go
package membership

import (
	"time"

	"github.com/google/uuid"
)

// Member is a library user who borrows books. ChatID is the Telegram chat the
// member connected through the bot; it is nil until they link one.
type Member struct {
	ID                   uuid.UUID `json:"id" db:"id"`
	Email                string    `json:"email" db:"email"`
	FirstName            string    `json:"first_name" db:"first_name"`
	LastName             string    `json:"last_name" db:"last_name"`
	IsStaff              bool      `json:"is_staff" db:"is_staff"`
	NotificationsEnabled bool      `json:"notifications_enabled" db:"notifications_enabled"`
	ChatID               *int64    `json:"chat_id,omitempty" db:"chat_id"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// Reachable reports whether the member opted in to chat notifications and has a chat identity.
func (m Member) Reachable() bool {
	return m.NotificationsEnabled && m.ChatID != nil
}
