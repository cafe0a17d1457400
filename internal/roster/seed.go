// Package roster bootstraps the catalog from a seed file and links students
// to their Telegram chat on first contact.
package roster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.yaml.in/yaml/v3"

	"coachbot/internal/domain"
	"coachbot/internal/render"
	"coachbot/internal/storage"
)

// Seed is the YAML document accepted by LoadSeed.
type Seed struct {
	Students       []domain.Student             `yaml:"students"`
	Templates      []domain.Template            `yaml:"templates"`
	Schedules      []domain.MessageSchedule     `yaml:"schedules"`
	TrainingDays   []domain.TrainingDayConfig   `yaml:"training_days"`
	WeeklyReminder *domain.WeeklyReminderConfig `yaml:"weekly_reminder"`
}

// Counts reports how many rows Apply wrote per kind.
type Counts struct {
	Students     int
	Templates    int
	Schedules    int
	TrainingDays int
	Reminder     bool
}

func (c Counts) String() string {
	return fmt.Sprintf("students=%d templates=%d schedules=%d training_days=%d weekly_reminder=%v",
		c.Students, c.Templates, c.Schedules, c.TrainingDays, c.Reminder)
}

// LoadSeed reads and validates a seed file. Unknown keys are rejected.
func LoadSeed(fs afero.Fs, path string) (Seed, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var s Seed
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Seed{}, fmt.Errorf("seed %s: %w", path, err)
	}
	return s, nil
}

// Validate checks every row and the references between them, reporting
// all problems at once.
func (s Seed) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	students := map[int64]bool{}
	for _, st := range s.Students {
		if err := domain.Validate(st); err != nil {
			add("student %d: %w", st.ID, err)
		}
		if students[st.ID] {
			add("student %d: duplicate id", st.ID)
		}
		students[st.ID] = true
	}

	templates := map[int64]bool{}
	for _, t := range s.Templates {
		if err := domain.Validate(t); err != nil {
			add("template %d: %w", t.ID, err)
		}
		if err := render.Check(t); err != nil {
			result = multierror.Append(result, err)
		}
		if templates[t.ID] {
			add("template %d: duplicate id", t.ID)
		}
		templates[t.ID] = true
	}

	schedules := map[int64]bool{}
	for _, m := range s.Schedules {
		if err := domain.Validate(m); err != nil {
			add("schedule %d: %w", m.ID, err)
		}
		if schedules[m.ID] {
			add("schedule %d: duplicate id", m.ID)
		}
		schedules[m.ID] = true
		if !students[m.StudentID] {
			add("schedule %d: unknown student %d", m.ID, m.StudentID)
		}
		if !templates[m.TemplateID] {
			add("schedule %d: unknown template %d", m.ID, m.TemplateID)
		}
	}

	days := map[domain.Weekday]bool{}
	for _, d := range s.TrainingDays {
		if err := domain.Validate(d); err != nil {
			add("training day %d: %w", d.Weekday, err)
		}
		if days[d.Weekday] {
			add("training day %d: configured twice", d.Weekday)
		}
		days[d.Weekday] = true
	}

	if s.WeeklyReminder != nil {
		if err := domain.Validate(*s.WeeklyReminder); err != nil {
			add("weekly reminder: %w", err)
		}
	}
	return result.ErrorOrNil()
}

// Apply upserts the seed in dependency order: students and templates before
// the schedules that reference them.
func (s Seed) Apply(ctx context.Context, admin storage.Admin) (Counts, error) {
	var c Counts
	for _, st := range s.Students {
		if err := admin.PutStudent(ctx, st); err != nil {
			return c, fmt.Errorf("student %d: %w", st.ID, err)
		}
		c.Students++
	}
	for _, t := range s.Templates {
		if err := admin.PutTemplate(ctx, t); err != nil {
			return c, fmt.Errorf("template %d: %w", t.ID, err)
		}
		c.Templates++
	}
	for _, m := range s.Schedules {
		if err := admin.PutSchedule(ctx, m); err != nil {
			return c, fmt.Errorf("schedule %d: %w", m.ID, err)
		}
		c.Schedules++
	}
	for _, d := range s.TrainingDays {
		if err := admin.PutTrainingDay(ctx, d); err != nil {
			return c, fmt.Errorf("training day %d: %w", d.Weekday, err)
		}
		c.TrainingDays++
	}
	if s.WeeklyReminder != nil {
		if err := admin.PutWeeklyReminder(ctx, *s.WeeklyReminder); err != nil {
			return c, fmt.Errorf("weekly reminder: %w", err)
		}
		c.Reminder = true
	}
	return c, nil
}
