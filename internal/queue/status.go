package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

type TicketStatus struct {
	Ticket models.Ticket
	// QueuePosition is the number of live waiting tickets ahead; nil unless
	// the ticket itself is waiting.
	QueuePosition *int
	// EstimatedWaitMinutes is QueuePosition times the average service time;
	// nil alongside QueuePosition.
	EstimatedWaitMinutes *int
}

// QueryStatus reports a ticket's current state. A waiting ticket past its
// deadline is expired as part of the lookup. counterCode optionally scopes the
// position; assigned tickets are always scoped to their own counter.
func (s *Service) QueryStatus(ctx context.Context, ref models.TicketRef, counterCode string) (status TicketStatus, err error) {
	ref = s.resolve(ref)
	ctx, span := s.tracer.Start(ctx, "queue.QueryStatus", trace.WithAttributes(
		attribute.String("ticket_ref", ref.String()),
	))
	defer func() { endSpan(span, err) }()

	status, err = retry(ctx, s.opts.DispatchAttempts, s.opts.RetryInterval, func() (TicketStatus, error) {
		return s.queryOnce(ctx, ref, counterCode)
	})
	if err != nil {
		var qerr *Error
		if errors.As(err, &qerr) {
			return TicketStatus{}, err
		}
		return TicketStatus{}, fmt.Errorf("query ticket %s: %w", ref, err)
	}
	return status, nil
}

func (s *Service) queryOnce(ctx context.Context, ref models.TicketRef, counterCode string) (TicketStatus, error) {
	var (
		result  TicketStatus
		missing bool
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		missing = false
		ticket, err := tx.GetTicket(ctx, ref, false)
		if errors.Is(err, store.ErrTicketNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		now := s.days.Now()
		if isStale(ticket, now) {
			locked, err := tx.GetTicket(ctx, models.RefByID(ticket.TicketID), true)
			if err != nil {
				return err
			}
			ticket = locked
			if isStale(ticket, now) {
				expired, ok, err := s.expire(ctx, tx, ticket)
				if err != nil {
					return err
				}
				if !ok {
					return store.ErrConflict
				}
				ticket = expired
			}
		}

		result = TicketStatus{Ticket: ticket}
		if ticket.Status != models.StatusWaiting {
			return nil
		}
		position, err := tx.CountAhead(ctx, aheadQuery(ticket, counterCode, now))
		if err != nil {
			return err
		}
		wait := position * s.opts.AvgServiceMinutes
		result.QueuePosition = &position
		result.EstimatedWaitMinutes = &wait
		return nil
	})
	if err != nil {
		return TicketStatus{}, err
	}
	if missing {
		return TicketStatus{}, notFound(ref)
	}
	return result, nil
}

// QueuePosition counts live waiting tickets ahead of ref without mutating
// anything. waiting is false when the ticket is no longer in the queue,
// including a ticket whose deadline has passed but is not yet expired.
func (s *Service) QueuePosition(ctx context.Context, ref models.TicketRef, counterCode string) (position int, waiting bool, err error) {
	ref = s.resolve(ref)
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		ticket, err := tx.GetTicket(ctx, ref, false)
		if err != nil {
			return err
		}
		now := s.days.Now()
		if ticket.Status != models.StatusWaiting || isStale(ticket, now) {
			return nil
		}
		waiting = true
		position, err = tx.CountAhead(ctx, aheadQuery(ticket, counterCode, now))
		return err
	})
	if errors.Is(err, store.ErrTicketNotFound) {
		return 0, false, notFound(ref)
	}
	if err != nil {
		return 0, false, fmt.Errorf("queue position %s: %w", ref, err)
	}
	return position, waiting, nil
}

func aheadQuery(ticket models.Ticket, counterCode string, now time.Time) store.AheadQuery {
	if !ticket.Unassigned() {
		counterCode = ticket.Counter()
	}
	return store.AheadQuery{
		ServiceDay:  ticket.ServiceDay,
		Sequence:    ticket.Sequence,
		CounterCode: counterCode,
		Now:         now,
	}
}

type Snapshot struct {
	ServiceDay           models.ServiceDay `json:"service_day"`
	CounterCode          string            `json:"counter_code,omitempty"`
	NowServing           *models.Ticket    `json:"now_serving"`
	NextTicket           *models.Ticket    `json:"next_ticket"`
	WaitingCount         int               `json:"waiting_count"`
	Waiting              []models.Ticket   `json:"waiting"`
	EstimatedWaitMinutes int               `json:"estimated_wait_minutes"`
	GeneratedAt          time.Time         `json:"generated_at"`
}

// Snapshot summarizes today's queue, optionally from one counter's point of
// view. Stale tickets are left out but not expired.
func (s *Service) Snapshot(ctx context.Context, counterCode string) (Snapshot, error) {
	if counterCode != "" {
		if _, err := s.requireActiveCounter(ctx, counterCode); err != nil {
			return Snapshot{}, err
		}
	}
	day := s.days.Today()
	now := s.days.Now()
	snap := Snapshot{ServiceDay: day, CounterCode: counterCode, GeneratedAt: now}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		waiting, total, err := tx.ListWaiting(ctx, store.WaitingQuery{
			ServiceDay:  day,
			CounterCode: counterCode,
			Now:         now,
			Limit:       s.opts.SnapshotLimit,
		})
		if err != nil {
			return err
		}
		snap.Waiting = waiting
		snap.WaitingCount = total
		if len(waiting) > 0 {
			next := waiting[0]
			snap.NextTicket = &next
		}

		last, ok, err := tx.LastServed(ctx, day, counterCode)
		if err != nil {
			return err
		}
		if ok {
			snap.NowServing = &last
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue snapshot: %w", err)
	}
	snap.EstimatedWaitMinutes = snap.WaitingCount * s.opts.AvgServiceMinutes
	return snap, nil
}

func (s *Service) TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	events, err := s.store.ListTicketEvents(ctx, ticketID)
	if errors.Is(err, store.ErrTicketNotFound) {
		return nil, notFound(models.RefByID(ticketID))
	}
	if err != nil {
		return nil, fmt.Errorf("ticket events %s: %w", ticketID, err)
	}
	return events, nil
}

// Counters lists the active counters callers may pull for.
func (s *Service) Counters(ctx context.Context) ([]models.Counter, error) {
	return s.store.ListCounters(ctx, true)
}

func (s *Service) OutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	return s.store.ListOutboxEvents(ctx, afterSeq, limit)
}
