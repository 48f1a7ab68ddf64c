// Package memory is an in-process TicketStore. Transactions are serialized
// behind a single writer lock and their writes are staged until commit, so a
// failed transaction leaves nothing behind.
package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v2"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithCounters(counters ...models.Counter) Option {
	return func(s *Store) {
		for _, counter := range counters {
			s.counters[counter.Code] = counter
		}
	}
}

type Store struct {
	mu       *xsync.RBMutex
	clock    clock.Clock
	tickets  map[string]models.Ticket
	counters map[string]models.Counter
	events   map[string][]store.TicketEvent
	outbox   []store.OutboxEvent
	lastSeq  int64
}

func New(opts ...Option) *Store {
	s := &Store{
		mu:       xsync.NewRBMutex(),
		clock:    clock.Real(),
		tickets:  make(map[string]models.Ticket),
		counters: make(map[string]models.Counter),
		events:   make(map[string][]store.TicketEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := newTx(s)
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) GetCounter(_ context.Context, code string) (models.Counter, error) {
	rt := s.mu.RLock()
	defer s.mu.RUnlock(rt)
	counter, ok := s.counters[code]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (s *Store) ListCounters(_ context.Context, activeOnly bool) ([]models.Counter, error) {
	rt := s.mu.RLock()
	defer s.mu.RUnlock(rt)
	counters := make([]models.Counter, 0, len(s.counters))
	for _, counter := range s.counters {
		if activeOnly && !counter.IsActive {
			continue
		}
		counters = append(counters, counter)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Code < counters[j].Code })
	return counters, nil
}

func (s *Store) ListTicketEvents(_ context.Context, ticketID string) ([]store.TicketEvent, error) {
	rt := s.mu.RLock()
	defer s.mu.RUnlock(rt)
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	events := s.events[ticketID]
	out := make([]store.TicketEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) ListOutboxEvents(_ context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	rt := s.mu.RLock()
	defer s.mu.RUnlock(rt)
	out := make([]store.OutboxEvent, 0)
	for _, event := range s.outbox {
		if event.Seq <= afterSeq {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListUnpublishedEvents(_ context.Context, limit int) ([]store.OutboxEvent, error) {
	rt := s.mu.RLock()
	defer s.mu.RUnlock(rt)
	out := make([]store.OutboxEvent, 0)
	for _, event := range s.outbox {
		if event.PublishedAt != nil {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkEventsPublished(_ context.Context, eventIDs []string, publishedAt time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	ids := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if _, ok := ids[s.outbox[i].EventID]; !ok || s.outbox[i].PublishedAt != nil {
			continue
		}
		at := publishedAt
		s.outbox[i].PublishedAt = &at
	}
	return nil
}

func dispatchLess(a, b models.Ticket) bool {
	if a.Unassigned() != b.Unassigned() {
		return a.Unassigned()
	}
	return sequenceLess(a, b)
}

func sequenceLess(a, b models.Ticket) bool {
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TicketID < b.TicketID
}

func eligibleFor(ticket models.Ticket, counterCode string) bool {
	return counterCode == "" || ticket.Unassigned() || ticket.Counter() == counterCode
}

func newEventID() string {
	return uuid.NewString()
}
