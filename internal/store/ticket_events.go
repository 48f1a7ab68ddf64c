package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/ticket-service/internal/models"
)

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID      string            `json:"ticket_id"`
	ServiceDay    models.ServiceDay `json:"service_day"`
	Sequence      int64             `json:"sequence"`
	DisplayNumber string            `json:"display_number"`
	Status        string            `json:"status"`
	CounterCode   *string           `json:"counter_code"`
	CreatedAt     *time.Time        `json:"created_at"`
	ServedAt      *time.Time        `json:"served_at"`
	CompletedAt   *time.Time        `json:"completed_at"`
	ExpiresAt     *time.Time        `json:"expires_at"`
}

// EventPayload is the snapshot of a ticket stored with every audit and outbox
// event. Customer details are not part of it.
func EventPayload(ticket models.Ticket) (json.RawMessage, error) {
	created := ticket.CreatedAt.UTC()
	expires := ticket.ExpiresAt.UTC()
	return json.Marshal(eventPayload{
		TicketID:      ticket.TicketID,
		ServiceDay:    ticket.ServiceDay,
		Sequence:      ticket.Sequence,
		DisplayNumber: ticket.DisplayNumber,
		Status:        ticket.Status,
		CounterCode:   ticket.CounterCode,
		CreatedAt:     &created,
		ServedAt:      ticket.ServedAt,
		CompletedAt:   ticket.CompletedAt,
		ExpiresAt:     &expires,
	})
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// ChainEvent fills in sequence and hashes for an event appended after prev.
// A nil prev starts a new chain.
func ChainEvent(prev *TicketEvent, event TicketEvent) TicketEvent {
	event.TicketSeq = 1
	event.PrevHash = ""
	if prev != nil {
		event.TicketSeq = prev.TicketSeq + 1
		event.PrevHash = prev.Hash
	}
	event.Hash = ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
	return event
}

// VerifyTicketEvents checks that events form one unbroken chain in order.
func VerifyTicketEvents(events []TicketEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: event %d has seq %d", ErrBrokenEventChain, i, event.TicketSeq)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("%w: seq %d prev_hash mismatch", ErrBrokenEventChain, event.TicketSeq)
		}
		want := ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if want != event.Hash {
			return fmt.Errorf("%w: seq %d hash mismatch", ErrBrokenEventChain, event.TicketSeq)
		}
		prevHash = event.Hash
	}
	return nil
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if !payload.ServiceDay.IsZero() {
			ticket.ServiceDay = payload.ServiceDay
		}
		if payload.Sequence != 0 {
			ticket.Sequence = payload.Sequence
		}
		if payload.DisplayNumber != "" {
			ticket.DisplayNumber = payload.DisplayNumber
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.CounterCode != nil {
			ticket.CounterCode = payload.CounterCode
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.ServedAt != nil {
			ticket.ServedAt = payload.ServedAt
		}
		if payload.CompletedAt != nil {
			ticket.CompletedAt = payload.CompletedAt
		}
		if payload.ExpiresAt != nil {
			ticket.ExpiresAt = *payload.ExpiresAt
		}
	}
	return ticket, nil
}
