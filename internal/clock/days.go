package clock

import (
	"fmt"
	"time"

	"qms/ticket-service/internal/models"
)

// Days maps instants onto service days in one fixed business timezone. The
// queue never infers a timezone on its own.
type Days struct {
	clock Clock
	loc   *time.Location
}

func NewDays(c Clock, loc *time.Location) *Days {
	if c == nil {
		c = Real()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Days{clock: c, loc: loc}
}

// LoadDays resolves an IANA zone name such as "Asia/Kolkata".
func LoadDays(c Clock, zone string) (*Days, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load service timezone %q: %w", zone, err)
	}
	return NewDays(c, loc), nil
}

func (d *Days) Now() time.Time {
	return d.clock.Now()
}

func (d *Days) Today() models.ServiceDay {
	return models.DayOf(d.clock.Now(), d.loc)
}

func (d *Days) Location() *time.Location {
	return d.loc
}
