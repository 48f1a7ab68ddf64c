package queue

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable class of a queue error.
type Kind string

const (
	KindAllocationExhausted Kind = "allocation_exhausted"
	KindNoEligibleTickets   Kind = "no_eligible_tickets"
	KindInvalidTransition   Kind = "invalid_transition"
	KindUnknownCounter      Kind = "unknown_counter"
	KindTicketNotFound      Kind = "ticket_not_found"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can test against the
// sentinels below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrAllocationExhausted = &Error{Kind: KindAllocationExhausted}
	ErrNoEligibleTickets   = &Error{Kind: KindNoEligibleTickets}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrUnknownCounter      = &Error{Kind: KindUnknownCounter}
	ErrTicketNotFound      = &Error{Kind: KindTicketNotFound}
)

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.Kind, true
	}
	return "", false
}
