package models

import (
	"fmt"
	"time"
)

const serviceDayLayout = "2006-01-02"

// ServiceDay is a calendar date in the business timezone. All numbering and
// queue scoping is partitioned by it.
type ServiceDay string

func ParseServiceDay(value string) (ServiceDay, error) {
	parsed, err := time.Parse(serviceDayLayout, value)
	if err != nil {
		return "", fmt.Errorf("invalid service day %q: %w", value, err)
	}
	return ServiceDay(parsed.Format(serviceDayLayout)), nil
}

// DayOf returns the service day containing t as observed in loc.
func DayOf(t time.Time, loc *time.Location) ServiceDay {
	return ServiceDay(t.In(loc).Format(serviceDayLayout))
}

func (d ServiceDay) String() string {
	return string(d)
}

func (d ServiceDay) IsZero() bool {
	return d == ""
}

// Start returns midnight of the day in loc.
func (d ServiceDay) Start(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(serviceDayLayout, string(d), loc)
}
