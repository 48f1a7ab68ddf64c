package models

import "time"

type Ticket struct {
	TicketID      string     `json:"ticket_id"`
	ServiceDay    ServiceDay `json:"service_day"`
	Sequence      int64      `json:"sequence"`
	DisplayNumber string     `json:"display_number"`
	Status        string     `json:"status"`
	CounterCode   *string    `json:"counter_code"`
	CreatedAt     time.Time  `json:"created_at"`
	ServedAt      *time.Time `json:"served_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RequestID     string     `json:"request_id,omitempty"`
	Customer      Customer   `json:"customer"`
}

// Customer is attached at issue time and never interpreted by the queue.
type Customer struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

const (
	StatusWaiting = "waiting"
	StatusServing = "serving"
	StatusDone    = "done"
	StatusExpired = "expired"
)

func (t Ticket) Counter() string {
	if t.CounterCode == nil {
		return ""
	}
	return *t.CounterCode
}

func (t Ticket) Unassigned() bool {
	return t.CounterCode == nil
}

// TicketRef addresses a ticket either by id or by its display number within a day.
type TicketRef struct {
	TicketID      string
	ServiceDay    ServiceDay
	DisplayNumber string
}

func RefByID(ticketID string) TicketRef {
	return TicketRef{TicketID: ticketID}
}

func RefByNumber(day ServiceDay, displayNumber string) TicketRef {
	return TicketRef{ServiceDay: day, DisplayNumber: displayNumber}
}

func (r TicketRef) ByID() bool {
	return r.TicketID != ""
}

func (r TicketRef) String() string {
	if r.ByID() {
		return r.TicketID
	}
	return r.ServiceDay.String() + "/" + r.DisplayNumber
}
