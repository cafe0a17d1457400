// Package calendar maps weekdays to the training session planned for them.
package calendar

import (
	"errors"

	"coachbot/internal/domain"
)

// ErrNotConfigured means no session is planned for the weekday. Callers
// treat it as a skip, not a failure.
var ErrNotConfigured = errors.New("training day not configured")

const (
	VarSessionType = "session_type"
	VarLocation    = "location"
)

type Calendar struct {
	days map[domain.Weekday]domain.Session
}

// New builds a calendar from stored day configs. A later entry for the same
// weekday replaces an earlier one.
func New(configs []domain.TrainingDayConfig) *Calendar {
	c := &Calendar{days: make(map[domain.Weekday]domain.Session, len(configs))}
	for _, cfg := range configs {
		if !cfg.Weekday.Valid() {
			continue
		}
		c.days[cfg.Weekday] = domain.Session{SessionType: cfg.SessionType, Location: cfg.Location}
	}
	return c
}

func (c *Calendar) ResolveForWeekday(d domain.Weekday) (domain.Session, error) {
	if c != nil {
		if s, ok := c.days[d]; ok {
			return s, nil
		}
	}
	return domain.Session{}, ErrNotConfigured
}

// Defaults returns the template variables the calendar supplies for d.
// It is empty when d is not configured.
func (c *Calendar) Defaults(d domain.Weekday) map[string]string {
	s, err := c.ResolveForWeekday(d)
	if err != nil {
		return map[string]string{}
	}
	return map[string]string{
		VarSessionType: s.SessionType,
		VarLocation:    s.Location,
	}
}
