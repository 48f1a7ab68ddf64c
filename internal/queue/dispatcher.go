package queue

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

// PullNext serves the next ticket for a counter. Pool tickets always come
// before the counter's own backlog; within a tier the lowest sequence wins.
func (s *Service) PullNext(ctx context.Context, counterCode string) (ticket models.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.PullNext", trace.WithAttributes(
		attribute.String("counter_code", counterCode),
	))
	defer func() { endSpan(span, err) }()

	if _, err := s.requireActiveCounter(ctx, counterCode); err != nil {
		return models.Ticket{}, err
	}
	day := s.days.Today()

	ticket, err = retry(ctx, s.opts.DispatchAttempts, s.opts.RetryInterval, func() (models.Ticket, error) {
		return s.pullOnce(ctx, day, counterCode)
	})
	if err != nil {
		var qerr *Error
		if errors.As(err, &qerr) {
			return models.Ticket{}, err
		}
		return models.Ticket{}, fmt.Errorf("pull next for counter %s: %w", counterCode, err)
	}
	s.logger.Info("ticket serving",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("display_number", ticket.DisplayNumber),
		zap.String("counter_code", counterCode),
	)
	return ticket, nil
}

func (s *Service) pullOnce(ctx context.Context, day models.ServiceDay, counterCode string) (models.Ticket, error) {
	var (
		served models.Ticket
		empty  bool
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		empty = false
		now := s.days.Now()
		for {
			batch, err := tx.SelectForDispatch(ctx, day, counterCode, s.opts.DispatchBatchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				empty = true
				return nil
			}

			clean := true
			for _, candidate := range batch {
				if !isStale(candidate, now) {
					continue
				}
				clean = false
				if _, _, err := s.expire(ctx, tx, candidate); err != nil {
					return err
				}
			}
			if !clean {
				continue
			}

			chosen := batch[0]
			next, valid := transition(store.ActionPullNext, chosen.Status)
			if !valid {
				return store.ErrConflict
			}
			fields := store.TransitionFields{ServedAt: &now}
			if chosen.Unassigned() {
				code := counterCode
				fields.CounterCode = &code
			}
			updated, ok, err := tx.CompareAndTransition(ctx, chosen.TicketID, chosen.Status, next, fields)
			if err != nil {
				return err
			}
			if !ok {
				return store.ErrConflict
			}
			if err := tx.RecordEvent(ctx, store.EventServing, updated); err != nil {
				return err
			}
			served = updated
			return nil
		}
	})
	if err != nil {
		return models.Ticket{}, err
	}
	// Expirations done on the way are committed even when nothing is left.
	if empty {
		return models.Ticket{}, newError(KindNoEligibleTickets, nil, "no eligible tickets for counter %q on %s", counterCode, day)
	}
	return served, nil
}

// Complete moves a serving ticket to done. Completing a done ticket returns it
// unchanged.
func (s *Service) Complete(ctx context.Context, ref models.TicketRef) (ticket models.Ticket, err error) {
	ref = s.resolve(ref)
	ctx, span := s.tracer.Start(ctx, "queue.Complete", trace.WithAttributes(
		attribute.String("ticket_ref", ref.String()),
	))
	defer func() { endSpan(span, err) }()

	ticket, err = retry(ctx, s.opts.DispatchAttempts, s.opts.RetryInterval, func() (models.Ticket, error) {
		return s.completeOnce(ctx, ref)
	})
	if err != nil {
		var qerr *Error
		if errors.As(err, &qerr) {
			return models.Ticket{}, err
		}
		return models.Ticket{}, fmt.Errorf("complete ticket %s: %w", ref, err)
	}
	return ticket, nil
}

func (s *Service) completeOnce(ctx context.Context, ref models.TicketRef) (models.Ticket, error) {
	var (
		result  models.Ticket
		outcome error
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		outcome = nil
		current, err := tx.GetTicket(ctx, ref, true)
		if errors.Is(err, store.ErrTicketNotFound) {
			outcome = notFound(ref)
			return nil
		}
		if err != nil {
			return err
		}
		now := s.days.Now()
		if isStale(current, now) {
			expired, ok, err := s.expire(ctx, tx, current)
			if err != nil {
				return err
			}
			if !ok {
				return store.ErrConflict
			}
			current = expired
		}

		next, valid := transition(store.ActionComplete, current.Status)
		switch {
		case !valid && current.Status == next && store.IsTerminal(current.Status):
			result = current
			return nil
		case valid:
			updated, ok, err := tx.CompareAndTransition(ctx, current.TicketID, current.Status, next,
				store.TransitionFields{CompletedAt: &now})
			if err != nil {
				return err
			}
			if !ok {
				return store.ErrConflict
			}
			if err := tx.RecordEvent(ctx, store.EventDone, updated); err != nil {
				return err
			}
			result = updated
			return nil
		default:
			result = current
			outcome = newError(KindInvalidTransition, nil, "ticket %s is %s and cannot be completed", current.DisplayNumber, current.Status)
			return nil
		}
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if outcome != nil {
		return models.Ticket{}, outcome
	}
	return result, nil
}
