// cmd/lendingd/app.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"lendingdesk/internal/circulation"
	"lendingdesk/internal/clients"
	"lendingdesk/internal/config"
	"lendingdesk/internal/inventory"
	"lendingdesk/internal/membership"
	"lendingdesk/internal/notify"
	"lendingdesk/internal/overdue"
	"lendingdesk/internal/pricing"
	"lendingdesk/internal/store/memstore"
	"lendingdesk/internal/store/pgstore"
)

// store is what the commands need from either backend.
type store interface {
	circulation.Store
	overdue.Source
	addBook(ctx context.Context, b inventory.Book) error
	addMember(ctx context.Context, m membership.Member) error
	Close() error
}

type memoryStore struct{ *memstore.Store }

func (s memoryStore) addBook(_ context.Context, b inventory.Book) error {
	s.AddBook(b)
	return nil
}

func (s memoryStore) addMember(_ context.Context, m membership.Member) error {
	s.AddMember(m)
	return nil
}

func (memoryStore) Close() error { return nil }

type postgresStore struct{ *pgstore.Store }

func (s postgresStore) addBook(ctx context.Context, b inventory.Book) error {
	return s.AddBook(ctx, b)
}

func (s postgresStore) addMember(ctx context.Context, m membership.Member) error {
	return s.AddMember(ctx, m)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on exit")
		return memoryStore{memstore.New()}, nil
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.Store.Migrate {
			if err := s.Migrate(); err != nil {
				s.Close()
				return nil, err
			}
		}
		return postgresStore{s}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// seedFile lists catalog and member rows loaded at startup.
type seedFile struct {
	Books   []seedBook   `yaml:"books"`
	Members []seedMember `yaml:"members"`
}

type seedBook struct {
	ID              string `yaml:"id"`
	Title           string `yaml:"title"`
	Author          string `yaml:"author"`
	Cover           string `yaml:"cover"`
	DailyRate       string `yaml:"daily_rate"`
	AvailableCopies int    `yaml:"available_copies"`
}

type seedMember struct {
	ID                   string `yaml:"id"`
	Email                string `yaml:"email"`
	FirstName            string `yaml:"first_name"`
	LastName             string `yaml:"last_name"`
	IsStaff              bool   `yaml:"is_staff"`
	NotificationsEnabled bool   `yaml:"notifications_enabled"`
	ChatID               *int64 `yaml:"chat_id"`
}

func parseSeed(buf []byte) ([]inventory.Book, []membership.Member, error) {
	var f seedFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, nil, fmt.Errorf("parse seed file: %w", err)
	}
	books := make([]inventory.Book, 0, len(f.Books))
	for _, b := range f.Books {
		id, err := uuid.Parse(b.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("book %q: %w", b.Title, err)
		}
		rate, err := decimal.NewFromString(b.DailyRate)
		if err != nil || !rate.IsPositive() {
			return nil, nil, fmt.Errorf("book %q: daily_rate must be a positive amount", b.Title)
		}
		if b.AvailableCopies < 0 {
			return nil, nil, fmt.Errorf("book %q: available_copies must not be negative", b.Title)
		}
		books = append(books, inventory.Book{
			ID: id, Title: b.Title, Author: b.Author, Cover: b.Cover,
			DailyRate: rate, AvailableCopies: b.AvailableCopies,
		})
	}
	members := make([]membership.Member, 0, len(f.Members))
	for _, m := range f.Members {
		id, err := uuid.Parse(m.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("member %q: %w", m.Email, err)
		}
		members = append(members, membership.Member{
			ID: id, Email: m.Email, FirstName: m.FirstName, LastName: m.LastName,
			IsStaff: m.IsStaff, NotificationsEnabled: m.NotificationsEnabled, ChatID: m.ChatID,
		})
	}
	return books, members, nil
}

func loadSeed(ctx context.Context, s store, path string, logger *slog.Logger) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	books, members, err := parseSeed(buf)
	if err != nil {
		return err
	}
	for _, b := range books {
		if err := s.addBook(ctx, b); err != nil {
			return err
		}
	}
	for _, m := range members {
		if err := s.addMember(ctx, m); err != nil {
			return err
		}
	}
	logger.Info("seed data loaded", "books", len(books), "members", len(members))
	return nil
}

// newSender picks the Telegram bot when a token is configured and a logging
// sender otherwise.
func newSender(cfg *config.Config, logger *slog.Logger) notify.Sender {
	if cfg.Telegram.Token == "" {
		logger.Warn("telegram token not configured, notifications are only logged")
		return logSender{logger: logger}
	}
	return clients.NewTelegramClient(cfg.Telegram.APIURL, cfg.Telegram.Token, cfg.Telegram.AdminChatID, cfg.Notify.RatePerSecond)
}

type logSender struct{ logger *slog.Logger }

func (s logSender) SendToUser(_ context.Context, chatID int64, text string) error {
	s.logger.Info("notification", "chat_id", chatID, "text", text)
	return nil
}

func (s logSender) SendToAdminChannel(_ context.Context, text string) error {
	s.logger.Info("admin notification", "text", text)
	return nil
}

func pricingEngine(cfg *config.Config) (*pricing.Engine, error) {
	m, err := cfg.FineMultiplier()
	if err != nil {
		return nil, err
	}
	return pricing.NewEngine().WithFineMultiplier(m), nil
}
