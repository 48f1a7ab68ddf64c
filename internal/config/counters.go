package config

import (
	"fmt"
	"strings"

	"qms/ticket-service/internal/models"
)

// ParseCounters reads "CODE:Name,CODE2:Name 2". A missing name defaults to the
// code. All parsed counters are active.
func ParseCounters(raw string) ([]models.Counter, error) {
	var counters []models.Counter
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, name, _ := strings.Cut(part, ":")
		code = strings.TrimSpace(code)
		name = strings.TrimSpace(name)
		if code == "" {
			return nil, fmt.Errorf("counter entry %q has no code", part)
		}
		if seen[code] {
			return nil, fmt.Errorf("counter %q listed twice", code)
		}
		seen[code] = true
		if name == "" {
			name = code
		}
		counters = append(counters, models.Counter{Code: code, Name: name, IsActive: true})
	}
	return counters, nil
}
