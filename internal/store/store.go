package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/ticket-service/internal/models"
)

const (
	EventIssued  = "ticket.issued"
	EventServing = "ticket.serving"
	EventDone    = "ticket.done"
	EventExpired = "ticket.expired"
)

// TransitionFields are applied together with a status change. Nil fields are
// left untouched.
type TransitionFields struct {
	CounterCode *string
	ServedAt    *time.Time
	CompletedAt *time.Time
}

type AheadQuery struct {
	ServiceDay  models.ServiceDay
	Sequence    int64
	CounterCode string
	Now         time.Time
}

type WaitingQuery struct {
	ServiceDay  models.ServiceDay
	CounterCode string
	Now         time.Time
	Limit       int
}

// Tx is one atomic unit of work. Every read-modify-write done through a Tx is
// either fully applied on commit or not observable at all.
type Tx interface {
	// LockAndReadMaxSequence takes the per-day allocation lock, held until the
	// transaction ends, and returns the highest sequence issued so far (0 when
	// the day is empty).
	LockAndReadMaxSequence(ctx context.Context, day models.ServiceDay) (int64, error)
	// InsertTicket returns ErrUniqueViolation when (service_day, sequence),
	// (service_day, display_number) or request_id is already taken.
	InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error)
	// SelectForDispatch locks and returns waiting tickets of the day that are
	// unassigned or assigned to counterCode: unassigned first, then by
	// sequence, created_at and ticket_id.
	SelectForDispatch(ctx context.Context, day models.ServiceDay, counterCode string, limit int) ([]models.Ticket, error)
	// CompareAndTransition reports false when the ticket is no longer in the
	// expected status; the caller must re-fetch.
	CompareAndTransition(ctx context.Context, ticketID, expected, next string, fields TransitionFields) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ref models.TicketRef, forUpdate bool) (models.Ticket, error)
	FindByRequestID(ctx context.Context, requestID string) (models.Ticket, bool, error)
	CountAhead(ctx context.Context, query AheadQuery) (int, error)
	// SelectExpired locks up to limit waiting tickets whose deadline passed,
	// skipping rows other transactions hold.
	SelectExpired(ctx context.Context, now time.Time, limit int) ([]models.Ticket, error)
	ListWaiting(ctx context.Context, query WaitingQuery) ([]models.Ticket, int, error)
	LastServed(ctx context.Context, day models.ServiceDay, counterCode string) (models.Ticket, bool, error)
	RecordEvent(ctx context.Context, eventType string, ticket models.Ticket) error
}

type CounterRegistry interface {
	GetCounter(ctx context.Context, code string) (models.Counter, error)
	ListCounters(ctx context.Context, activeOnly bool) ([]models.Counter, error)
}

type TicketStore interface {
	CounterRegistry
	// InTx commits when fn returns nil and rolls back otherwise. Errors
	// returned by fn are passed through unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
	// ListOutboxEvents pages through the outbox by Seq, returning events with
	// Seq greater than afterSeq.
	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]OutboxEvent, error)
	ListUnpublishedEvents(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkEventsPublished(ctx context.Context, eventIDs []string, publishedAt time.Time) error
}

type OutboxEvent struct {
	// Seq is assigned at commit and strictly increases across the outbox.
	Seq         int64           `json:"seq"`
	EventID     string          `json:"event_id"`
	TicketID    string          `json:"ticket_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}
