// Package overdue finds open borrowings past their due date and tells the
// borrowers and the admin channel about them. A scan never changes borrowing
// or payment state.
package overdue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"lendingdesk/internal/circulation"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/notify"
	"lendingdesk/internal/pricing"
)

// Source lists open borrowings whose expected return date is before today.
type Source interface {
	ListOverdue(ctx context.Context, today time.Time) ([]circulation.BorrowingDetail, error)
}

// Summary is the result of one scan.
type Summary struct {
	Today         time.Time `json:"today"`
	Overdue       int       `json:"overdue"`
	Notified      int       `json:"notified"`
	Skipped       int       `json:"skipped"`
	Failed        int       `json:"failed"`
	AdminNotified bool      `json:"admin_notified"`
	Items         []Item    `json:"-"`
}

type Scanner struct {
	source   Source
	sender   notify.Sender
	pricing  *pricing.Engine
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

type Option func(*Scanner)

func WithPricing(e *pricing.Engine) Option { return func(s *Scanner) { s.pricing = e } }
func WithClock(c clock.Clock) Option       { return func(s *Scanner) { s.clock = c } }
func WithLogger(l *slog.Logger) Option     { return func(s *Scanner) { s.logger = l } }

func NewScanner(source Source, sender notify.Sender, opts ...Option) *Scanner {
	s := &Scanner{
		source:  source,
		sender:  sender,
		pricing: pricing.NewEngine(),
		clock:   clock.Real(),
		logger:  slog.Default(),
		tracer:  otel.Tracer("lendingdesk/overdue"),
	}
	for _, opt := range opts {
		opt(s)
	}
	counter, err := otel.Meter("lendingdesk/overdue").Int64Counter("overdue.scan.borrowings",
		metric.WithDescription("Overdue borrowings seen by the scanner, by notification outcome"))
	if err == nil {
		s.outcomes = counter
	}
	return s
}

// Scan notifies every reachable borrower with an overdue borrowing and sends
// one summary to the admin channel. Delivery failures are counted and logged;
// only a failure to read the store is returned.
func (s *Scanner) Scan(ctx context.Context) (Summary, error) {
	ctx, span := s.tracer.Start(ctx, "overdue.scan")
	defer span.End()

	today := clock.Today(s.clock)
	sum := Summary{Today: today}

	rows, err := s.source.ListOverdue(ctx, today)
	if err != nil {
		span.RecordError(err)
		return sum, fmt.Errorf("list overdue borrowings: %w", err)
	}

	for _, d := range rows {
		if !d.Overdue(today) {
			continue
		}
		it := Item{
			Borrowing:    d,
			DaysOverdue:  clock.DaysBetween(d.ExpectedReturnDate, today),
			ProjectedFee: s.pricing.ProjectedFine(d.ExpectedReturnDate, today, d.Book.DailyRate),
		}
		sum.Items = append(sum.Items, it)
		sum.Overdue++

		if !d.Borrower.Reachable() {
			sum.Skipped++
			s.count(ctx, "skipped")
			continue
		}
		if err := s.sender.SendToUser(ctx, *d.Borrower.ChatID, userMessage(it)); err != nil {
			sum.Failed++
			s.count(ctx, "failed")
			s.logger.Warn("overdue reminder not delivered",
				"borrowing_id", d.ID, "borrower_id", d.BorrowerID, "error", err)
			continue
		}
		sum.Notified++
		s.count(ctx, "notified")
	}

	if err := s.sender.SendToAdminChannel(ctx, adminSummary(today, sum.Items)); err != nil {
		s.logger.Warn("overdue summary not delivered to admin channel", "error", err)
	} else {
		sum.AdminNotified = true
	}

	span.SetAttributes(
		attribute.Int("overdue", sum.Overdue),
		attribute.Int("notified", sum.Notified),
		attribute.Int("skipped", sum.Skipped),
		attribute.Int("failed", sum.Failed),
	)
	s.logger.Info("overdue scan finished",
		"today", today.Format(time.DateOnly),
		"overdue", sum.Overdue,
		"notified", sum.Notified,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"admin_notified", sum.AdminNotified,
	)
	return sum, nil
}

// Run scans every interval until ctx is done. A failed scan is logged and the
// schedule continues.
func (s *Scanner) Run(ctx context.Context, interval time.Duration, runAtStart bool) {
	if runAtStart {
		s.scanLogged(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanLogged(ctx)
		}
	}
}

func (s *Scanner) scanLogged(ctx context.Context) {
	if _, err := s.Scan(ctx); err != nil {
		s.logger.Error("overdue scan failed", "error", err)
	}
}

func (s *Scanner) count(ctx context.Context, outcome string) {
	if s.outcomes != nil {
		s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
