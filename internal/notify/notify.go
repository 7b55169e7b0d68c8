// internal/notify/notify.go
package notify

import (
	"context"
	"errors"
)

// Sender delivers a chat message. Implementations talk to the chat bot API.
type Sender interface {
	SendToUser(ctx context.Context, chatID int64, text string) error
	SendToAdminChannel(ctx context.Context, text string) error
}

// Message is addressed either to a member's chat or to the admin channel.
type Message struct {
	ChatID int64
	Admin  bool
	Text   string
}

// ToUser addresses a message to a member's chat.
func ToUser(chatID int64, text string) Message { return Message{ChatID: chatID, Text: text} }

// ToAdmins addresses a message to the admin channel.
func ToAdmins(text string) Message { return Message{Admin: true, Text: text} }

var (
	ErrDispatcherClosed = errors.New("notification dispatcher is closed")
	ErrQueueFull        = errors.New("notification queue is full")
)

func send(ctx context.Context, s Sender, m Message) error {
	if m.Admin {
		return s.SendToAdminChannel(ctx, m.Text)
	}
	return s.SendToUser(ctx, m.ChatID, m.Text)
}
