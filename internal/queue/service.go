// Package queue is the ticket numbering and dispatch engine. Every operation
// runs as a single store transaction; transient storage conflicts are retried
// locally a bounded number of times.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

const tracerName = "qms/ticket-service/internal/queue"

type Options struct {
	Logger             *zap.Logger
	TicketTTL          time.Duration
	Prefix             string
	Pad                int
	AllocationAttempts int
	DispatchAttempts   int
	DispatchBatchSize  int
	SweepBatchSize     int
	SnapshotLimit      int
	AvgServiceMinutes  int
	// RetryInterval is the first backoff delay between retried transactions.
	RetryInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		TicketTTL:          10 * time.Minute,
		Prefix:             "A",
		Pad:                3,
		AllocationAttempts: 10,
		DispatchAttempts:   3,
		DispatchBatchSize:  20,
		SweepBatchSize:     100,
		SnapshotLimit:      50,
		AvgServiceMinutes:  5,
		RetryInterval:      5 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.TicketTTL <= 0 {
		o.TicketTTL = def.TicketTTL
	}
	if o.Prefix == "" {
		o.Prefix = def.Prefix
	}
	if o.Pad <= 0 {
		o.Pad = def.Pad
	}
	if o.AllocationAttempts <= 0 {
		o.AllocationAttempts = def.AllocationAttempts
	}
	if o.DispatchAttempts <= 0 {
		o.DispatchAttempts = def.DispatchAttempts
	}
	if o.DispatchBatchSize <= 0 {
		o.DispatchBatchSize = def.DispatchBatchSize
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = def.SweepBatchSize
	}
	if o.SnapshotLimit <= 0 {
		o.SnapshotLimit = def.SnapshotLimit
	}
	if o.AvgServiceMinutes <= 0 {
		o.AvgServiceMinutes = def.AvgServiceMinutes
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = def.RetryInterval
	}
	return o
}

type Service struct {
	store  store.TicketStore
	days   *clock.Days
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

func NewService(st store.TicketStore, days *clock.Days, opts Options) *Service {
	opts = opts.withDefaults()
	if days == nil {
		days = clock.NewDays(nil, nil)
	}
	return &Service{
		store:  st,
		days:   days,
		opts:   opts,
		logger: opts.Logger,
		tracer: otel.Tracer(tracerName),
	}
}

// isStale is the single expiry rule: a waiting ticket is dead once now reaches
// its deadline.
func isStale(ticket models.Ticket, now time.Time) bool {
	return ticket.Status == models.StatusWaiting && !now.Before(ticket.ExpiresAt)
}

// expire commits waiting -> expired for a ticket observed stale. It reports
// false when another transaction already moved the ticket.
func (s *Service) expire(ctx context.Context, tx store.Tx, ticket models.Ticket) (models.Ticket, bool, error) {
	next, valid := transition(store.ActionExpire, ticket.Status)
	if !valid {
		return ticket, false, nil
	}
	expired, ok, err := tx.CompareAndTransition(ctx, ticket.TicketID, ticket.Status, next, store.TransitionFields{})
	if err != nil || !ok {
		return expired, false, err
	}
	if err := tx.RecordEvent(ctx, store.EventExpired, expired); err != nil {
		return models.Ticket{}, false, err
	}
	s.logger.Info("ticket expired",
		zap.String("ticket_id", expired.TicketID),
		zap.String("display_number", expired.DisplayNumber),
		zap.String("service_day", expired.ServiceDay.String()),
	)
	return expired, true, nil
}

// transition returns the status action leads to and whether it may be applied
// to a ticket in status from.
func transition(action, from string) (string, bool) {
	next, ok := store.TargetStatus(action)
	if !ok {
		return "", false
	}
	return next, store.ValidTransition(action, from)
}

func (s *Service) requireActiveCounter(ctx context.Context, code string) (models.Counter, error) {
	if code == "" {
		return models.Counter{}, newError(KindUnknownCounter, nil, "counter code is required")
	}
	counter, err := s.store.GetCounter(ctx, code)
	if errors.Is(err, store.ErrCounterNotFound) {
		return models.Counter{}, newError(KindUnknownCounter, nil, "counter %q does not exist", code)
	}
	if err != nil {
		return models.Counter{}, err
	}
	if !counter.IsActive {
		return models.Counter{}, newError(KindUnknownCounter, nil, "counter %q is not active", code)
	}
	return counter, nil
}

// resolve fills in today's service day for by-number references without one.
func (s *Service) resolve(ref models.TicketRef) models.TicketRef {
	if !ref.ByID() && ref.ServiceDay.IsZero() {
		ref.ServiceDay = s.days.Today()
	}
	return ref
}

func notFound(ref models.TicketRef) *Error {
	return newError(KindTicketNotFound, nil, "ticket %s not found", ref)
}

// retry runs op until it succeeds, fails permanently, or attempts run out.
// Only store.IsTransient errors are retried.
func retry[T any](ctx context.Context, attempts int, interval time.Duration, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 40 * interval
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !store.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		if kind, ok := KindOf(err); ok {
			span.SetStatus(codes.Error, string(kind))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
