package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

// tx reads through its staged rows to the committed state. It is only used
// while the store's writer lock is held.
type tx struct {
	s      *Store
	staged map[string]models.Ticket
	events map[string][]store.TicketEvent
	outbox []store.OutboxEvent
}

func newTx(s *Store) *tx {
	return &tx{
		s:      s,
		staged: make(map[string]models.Ticket),
		events: make(map[string][]store.TicketEvent),
	}
}

func (t *tx) commit() {
	for id, ticket := range t.staged {
		t.s.tickets[id] = ticket
	}
	for id, events := range t.events {
		t.s.events[id] = append(t.s.events[id], events...)
	}
	for _, event := range t.outbox {
		t.s.lastSeq++
		event.Seq = t.s.lastSeq
		t.s.outbox = append(t.s.outbox, event)
	}
}

func (t *tx) get(id string) (models.Ticket, bool) {
	if ticket, ok := t.staged[id]; ok {
		return ticket, true
	}
	ticket, ok := t.s.tickets[id]
	return ticket, ok
}

// scan visits the merged view of committed and staged tickets.
func (t *tx) scan(visit func(models.Ticket)) {
	for id, ticket := range t.s.tickets {
		if staged, ok := t.staged[id]; ok {
			ticket = staged
		}
		visit(ticket)
	}
	for id, ticket := range t.staged {
		if _, ok := t.s.tickets[id]; !ok {
			visit(ticket)
		}
	}
}

func (t *tx) LockAndReadMaxSequence(_ context.Context, day models.ServiceDay) (int64, error) {
	var highest int64
	t.scan(func(ticket models.Ticket) {
		if ticket.ServiceDay == day && ticket.Sequence > highest {
			highest = ticket.Sequence
		}
	})
	return highest, nil
}

func (t *tx) InsertTicket(_ context.Context, ticket models.Ticket) (models.Ticket, error) {
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	collision := false
	t.scan(func(existing models.Ticket) {
		switch {
		case existing.TicketID == ticket.TicketID:
			collision = true
		case ticket.RequestID != "" && existing.RequestID == ticket.RequestID:
			collision = true
		case existing.ServiceDay == ticket.ServiceDay &&
			(existing.Sequence == ticket.Sequence || existing.DisplayNumber == ticket.DisplayNumber):
			collision = true
		}
	})
	if collision {
		return models.Ticket{}, store.ErrUniqueViolation
	}
	t.staged[ticket.TicketID] = ticket
	return ticket, nil
}

func (t *tx) SelectForDispatch(_ context.Context, day models.ServiceDay, counterCode string, limit int) ([]models.Ticket, error) {
	out := make([]models.Ticket, 0)
	t.scan(func(ticket models.Ticket) {
		if ticket.ServiceDay != day || ticket.Status != models.StatusWaiting {
			return
		}
		if !ticket.Unassigned() && ticket.Counter() != counterCode {
			return
		}
		out = append(out, ticket)
	})
	sort.Slice(out, func(i, j int) bool { return dispatchLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) CompareAndTransition(_ context.Context, ticketID, expected, next string, fields store.TransitionFields) (models.Ticket, bool, error) {
	ticket, ok := t.get(ticketID)
	if !ok {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	if ticket.Status != expected {
		return ticket, false, nil
	}
	ticket.Status = next
	if fields.CounterCode != nil {
		code := *fields.CounterCode
		ticket.CounterCode = &code
	}
	if fields.ServedAt != nil {
		at := *fields.ServedAt
		ticket.ServedAt = &at
	}
	if fields.CompletedAt != nil {
		at := *fields.CompletedAt
		ticket.CompletedAt = &at
	}
	t.staged[ticketID] = ticket
	return ticket, true, nil
}

func (t *tx) GetTicket(_ context.Context, ref models.TicketRef, _ bool) (models.Ticket, error) {
	if ref.ByID() {
		ticket, ok := t.get(ref.TicketID)
		if !ok {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return ticket, nil
	}
	var (
		found models.Ticket
		ok    bool
	)
	t.scan(func(ticket models.Ticket) {
		if ticket.ServiceDay == ref.ServiceDay && ticket.DisplayNumber == ref.DisplayNumber {
			found, ok = ticket, true
		}
	})
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return found, nil
}

func (t *tx) FindByRequestID(_ context.Context, requestID string) (models.Ticket, bool, error) {
	if requestID == "" {
		return models.Ticket{}, false, nil
	}
	var (
		found models.Ticket
		ok    bool
	)
	t.scan(func(ticket models.Ticket) {
		if ticket.RequestID == requestID {
			found, ok = ticket, true
		}
	})
	return found, ok, nil
}

func (t *tx) CountAhead(_ context.Context, query store.AheadQuery) (int, error) {
	count := 0
	t.scan(func(ticket models.Ticket) {
		if ticket.ServiceDay != query.ServiceDay || ticket.Status != models.StatusWaiting {
			return
		}
		if ticket.Sequence >= query.Sequence || !ticket.ExpiresAt.After(query.Now) {
			return
		}
		if eligibleFor(ticket, query.CounterCode) {
			count++
		}
	})
	return count, nil
}

func (t *tx) SelectExpired(_ context.Context, now time.Time, limit int) ([]models.Ticket, error) {
	out := make([]models.Ticket, 0)
	t.scan(func(ticket models.Ticket) {
		if ticket.Status == models.StatusWaiting && !now.Before(ticket.ExpiresAt) {
			out = append(out, ticket)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return sequenceLess(out[i], out[j])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) ListWaiting(_ context.Context, query store.WaitingQuery) ([]models.Ticket, int, error) {
	out := make([]models.Ticket, 0)
	t.scan(func(ticket models.Ticket) {
		if ticket.ServiceDay != query.ServiceDay || ticket.Status != models.StatusWaiting {
			return
		}
		if !ticket.ExpiresAt.After(query.Now) || !eligibleFor(ticket, query.CounterCode) {
			return
		}
		out = append(out, ticket)
	})
	sort.Slice(out, func(i, j int) bool { return dispatchLess(out[i], out[j]) })
	total := len(out)
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, total, nil
}

func (t *tx) LastServed(_ context.Context, day models.ServiceDay, counterCode string) (models.Ticket, bool, error) {
	var (
		last models.Ticket
		ok   bool
	)
	t.scan(func(ticket models.Ticket) {
		if ticket.ServiceDay != day || ticket.ServedAt == nil {
			return
		}
		if counterCode != "" && ticket.Counter() != counterCode {
			return
		}
		if !ok || ticket.ServedAt.After(*last.ServedAt) ||
			(ticket.ServedAt.Equal(*last.ServedAt) && ticket.Sequence > last.Sequence) {
			last, ok = ticket, true
		}
	})
	return last, ok, nil
}

func (t *tx) RecordEvent(_ context.Context, eventType string, ticket models.Ticket) error {
	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}
	now := t.s.clock.Now()
	t.outbox = append(t.outbox, store.OutboxEvent{
		EventID:   newEventID(),
		TicketID:  ticket.TicketID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: now,
	})

	var prev *store.TicketEvent
	if staged := t.events[ticket.TicketID]; len(staged) > 0 {
		prev = &staged[len(staged)-1]
	} else if committed := t.s.events[ticket.TicketID]; len(committed) > 0 {
		prev = &committed[len(committed)-1]
	}
	event := store.ChainEvent(prev, store.TicketEvent{
		TicketID:  ticket.TicketID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: now,
	})
	t.events[ticket.TicketID] = append(t.events[ticket.TicketID], event)
	return nil
}
