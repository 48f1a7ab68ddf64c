package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

type IssueRequest struct {
	// ServiceDay overrides today's day, e.g. for backfill.
	ServiceDay models.ServiceDay
	// CounterCode pre-assigns the ticket to one counter's backlog.
	CounterCode string
	// RequestID makes issuance idempotent: a repeated id returns the ticket
	// created by the first call.
	RequestID string
	Customer  models.Customer
}

func (s *Service) IssueTicket(ctx context.Context, req IssueRequest) (ticket models.Ticket, err error) {
	day := req.ServiceDay
	if day.IsZero() {
		day = s.days.Today()
	}
	ctx, span := s.tracer.Start(ctx, "queue.IssueTicket", trace.WithAttributes(
		attribute.String("service_day", day.String()),
		attribute.String("counter_code", req.CounterCode),
	))
	defer func() { endSpan(span, err) }()

	var counter *string
	if req.CounterCode != "" {
		if _, err := s.requireActiveCounter(ctx, req.CounterCode); err != nil {
			return models.Ticket{}, err
		}
		code := req.CounterCode
		counter = &code
	}

	attempt := 0
	ticket, err = retry(ctx, s.opts.AllocationAttempts, s.opts.RetryInterval, func() (models.Ticket, error) {
		attempt++
		ticket, err := s.allocate(ctx, day, counter, req)
		if err != nil && store.IsTransient(err) {
			s.logger.Debug("ticket allocation conflict",
				zap.String("service_day", day.String()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return ticket, err
	})
	if err != nil {
		if store.IsTransient(err) {
			s.logger.Warn("ticket allocation exhausted",
				zap.String("service_day", day.String()),
				zap.Int("attempts", attempt),
			)
			return models.Ticket{}, newError(KindAllocationExhausted, err, "could not allocate a ticket for %s after %d attempts", day, attempt)
		}
		return models.Ticket{}, fmt.Errorf("issue ticket: %w", err)
	}
	return ticket, nil
}

// allocate is one attempt: max(sequence)+1 under the day lock, then insert.
func (s *Service) allocate(ctx context.Context, day models.ServiceDay, counter *string, req IssueRequest) (models.Ticket, error) {
	var issued models.Ticket
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if req.RequestID != "" {
			existing, ok, err := tx.FindByRequestID(ctx, req.RequestID)
			if err != nil {
				return err
			}
			if ok {
				issued = existing
				return nil
			}
		}

		highest, err := tx.LockAndReadMaxSequence(ctx, day)
		if err != nil {
			return err
		}
		sequence := highest + 1
		now := s.days.Now()
		inserted, err := tx.InsertTicket(ctx, models.Ticket{
			TicketID:      uuid.NewString(),
			ServiceDay:    day,
			Sequence:      sequence,
			DisplayNumber: DisplayNumber(s.opts.Prefix, s.opts.Pad, sequence),
			Status:        models.StatusWaiting,
			CounterCode:   counter,
			CreatedAt:     now,
			ExpiresAt:     now.Add(s.opts.TicketTTL),
			RequestID:     req.RequestID,
			Customer:      req.Customer,
		})
		if err != nil {
			return err
		}
		if err := tx.RecordEvent(ctx, store.EventIssued, inserted); err != nil {
			return err
		}
		issued = inserted
		return nil
	})
	return issued, err
}
