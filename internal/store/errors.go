package store

import "errors"

var (
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrCounterNotFound  = errors.New("counter not found")
	ErrUniqueViolation  = errors.New("unique constraint violation")
	ErrConflict         = errors.New("transient storage conflict")
	ErrBrokenEventChain = errors.New("ticket event chain broken")
)

// IsTransient reports whether retrying the whole transaction may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUniqueViolation) || errors.Is(err, ErrConflict)
}
