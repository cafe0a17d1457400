// Package registry answers which message schedules apply to a weekday.
package registry

import (
	"sort"

	"coachbot/internal/domain"
)

// Registry is an immutable snapshot of the stored schedules.
type Registry struct {
	schedules []domain.MessageSchedule
}

func New(schedules []domain.MessageSchedule) *Registry {
	cp := make([]domain.MessageSchedule, len(schedules))
	copy(cp, schedules)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
	return &Registry{schedules: cp}
}

func (r *Registry) Len() int { return len(r.schedules) }

// ActiveSchedulesFor returns active schedules that include d, by ascending ID.
func (r *Registry) ActiveSchedulesFor(d domain.Weekday) []domain.MessageSchedule {
	var out []domain.MessageSchedule
	for _, s := range r.schedules {
		if s.Active && s.OnWeekday(d) {
			out = append(out, s)
		}
	}
	return out
}

// Due narrows ActiveSchedulesFor(d) to an exact hour and minute match.
func (r *Registry) Due(d domain.Weekday, hour, minute int) []domain.MessageSchedule {
	var out []domain.MessageSchedule
	for _, s := range r.ActiveSchedulesFor(d) {
		if s.Hour == hour && s.Minute == minute {
			out = append(out, s)
		}
	}
	return out
}
