package evaluator

import (
	"context"
	"fmt"
	"sort"

	"coachbot/internal/calendar"
	"coachbot/internal/domain"
	"coachbot/internal/registry"
	"coachbot/internal/reminder"
	"coachbot/internal/storage"
)

// Snapshot is one consistent read of everything a tick evaluates.
type Snapshot struct {
	students  map[int64]domain.Student
	active    []domain.Student
	templates map[int64]domain.Template
	registry  *registry.Registry
	calendar  *calendar.Calendar
	reminder  reminder.Policy
}

// NewSnapshot builds a snapshot from already loaded rows. Inactive students
// are ignored.
func NewSnapshot(
	students []domain.Student,
	templates []domain.Template,
	schedules []domain.MessageSchedule,
	days []domain.TrainingDayConfig,
	reminderCfg domain.WeeklyReminderConfig,
	reminderOK bool,
) Snapshot {
	s := Snapshot{
		students:  make(map[int64]domain.Student, len(students)),
		templates: make(map[int64]domain.Template, len(templates)),
		registry:  registry.New(schedules),
		calendar:  calendar.New(days),
		reminder:  reminder.NewPolicy(reminderCfg, reminderOK),
	}
	for _, st := range students {
		if !st.Active {
			continue
		}
		s.students[st.ID] = st
		s.active = append(s.active, st)
	}
	sort.Slice(s.active, func(i, j int) bool { return s.active[i].ID < s.active[j].ID })
	for _, t := range templates {
		s.templates[t.ID] = t
	}
	return s
}

// Load reads a snapshot inside a single storage view. Without a stored
// weekly reminder the default one applies.
func Load(ctx context.Context, st storage.Store) (Snapshot, error) {
	var snap Snapshot
	err := st.View(ctx, func(c storage.Catalog) error {
		students, err := c.ListActiveStudents(ctx)
		if err != nil {
			return fmt.Errorf("list students: %w", err)
		}
		templates, err := c.ListTemplates(ctx)
		if err != nil {
			return fmt.Errorf("list templates: %w", err)
		}
		schedules, err := c.ListActiveSchedules(ctx)
		if err != nil {
			return fmt.Errorf("list schedules: %w", err)
		}
		days, err := c.ListTrainingDayConfigs(ctx)
		if err != nil {
			return fmt.Errorf("list training days: %w", err)
		}
		rcfg, ok, err := c.GetWeeklyReminderConfig(ctx)
		if err != nil {
			return fmt.Errorf("weekly reminder config: %w", err)
		}
		if !ok {
			rcfg, ok = domain.DefaultWeeklyReminder(), true
		}
		snap = NewSnapshot(students, templates, schedules, days, rcfg, ok)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

func (s Snapshot) Student(id int64) (domain.Student, bool) {
	st, ok := s.students[id]
	return st, ok
}

func (s Snapshot) Template(id int64) (domain.Template, bool) {
	t, ok := s.templates[id]
	return t, ok && t.Active
}

func (s Snapshot) Registry() *registry.Registry { return s.registry }
func (s Snapshot) Calendar() *calendar.Calendar { return s.calendar }
func (s Snapshot) Reminder() reminder.Policy    { return s.reminder }

// ActiveStudents is ordered by ascending ID.
func (s Snapshot) ActiveStudents() []domain.Student { return s.active }
