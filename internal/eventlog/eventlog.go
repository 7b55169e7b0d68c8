// Package eventlog is an append-only journal of borrowing lifecycle events.
// Appends run on the caller's transaction so the journal and the state it
// describes always commit together.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrNoEvents            = errors.New("no events to append")
)

// Event types recorded for a borrowing.
const (
	BorrowingOpened           = "BorrowingOpened"
	ExpectedReturnDateChanged = "ExpectedReturnDateChanged"
	ReturnRequested           = "ReturnRequested"
	PaymentConfirmed          = "PaymentConfirmed"
	BorrowingReturned         = "BorrowingReturned"
	BorrowingDeleted          = "BorrowingDeleted"
)

// Event is one journal entry.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// New builds an event with a JSON payload.
func New(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return Event{EventType: eventType, EventData: data}, nil
}

// Stamp assigns aggregate identity and consecutive versions after expectedVersion.
func Stamp(aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event, at time.Time) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		e.AggregateID = aggregateID
		e.AggregateType = aggregateType
		e.Version = expectedVersion + i + 1
		if e.CreatedAt.IsZero() {
			e.CreatedAt = at
		}
		out[i] = e
	}
	return out
}

// Journal writes to the borrowing_events table.
type Journal struct {
	tracer trace.Tracer
}

func NewJournal() *Journal {
	return &Journal{tracer: otel.Tracer("lendingdesk/eventlog")}
}

// Append writes events for one aggregate, failing with ErrConcurrencyConflict
// when the stored version is not expectedVersion.
func (j *Journal) Append(ctx context.Context, tx sqlx.ExtContext, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	if len(events) == 0 {
		return ErrNoEvents
	}
	ctx, span := j.tracer.Start(ctx, "eventlog.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	var currentVersion int
	err := sqlx.GetContext(ctx, tx, &currentVersion, `
		SELECT COALESCE(MAX(version), 0)
		FROM borrowing_events
		WHERE aggregate_id = $1
	`, aggregateID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query current version: %w", err)
	}
	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	for _, e := range Stamp(aggregateID, aggregateType, expectedVersion, events, time.Now().UTC()) {
		var id int64
		err := sqlx.GetContext(ctx, tx, &id, `
			INSERT INTO borrowing_events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, e.AggregateID, e.AggregateType, e.EventType, []byte(e.EventData), e.Version, e.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %s v%d: %w", e.EventType, e.Version, err)
		}
		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.Int("event.version", e.Version),
			attribute.String("event.type", e.EventType),
		))
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// Load returns the events of an aggregate in version order.
func (j *Journal) Load(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := j.tracer.Start(ctx, "eventlog.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	var events []Event
	err := sqlx.SelectContext(ctx, q, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM borrowing_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}
