package calendar

import (
	"errors"
	"testing"

	"coachbot/internal/domain"
)

func TestResolveForWeekday(t *testing.T) {
	t.Parallel()
	c := New([]domain.TrainingDayConfig{
		{Weekday: domain.Wednesday, SessionType: "Pierna", Location: "Sala 1"},
		{Weekday: domain.Friday, SessionType: "Espalda", Location: "Sala 2"},
	})

	got, err := c.ResolveForWeekday(domain.Wednesday)
	if err != nil {
		t.Fatalf("ResolveForWeekday(Wednesday) error: %v", err)
	}
	if got.SessionType != "Pierna" || got.Location != "Sala 1" {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, err := c.ResolveForWeekday(domain.Monday); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for Monday, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	c := New([]domain.TrainingDayConfig{{Weekday: domain.Tuesday, SessionType: "Core", Location: "Patio"}})
	d := c.Defaults(domain.Tuesday)
	if d[VarSessionType] != "Core" || d[VarLocation] != "Patio" {
		t.Fatalf("Defaults(Tuesday) = %v", d)
	}
	if len(c.Defaults(domain.Sunday)) != 0 {
		t.Fatalf("expected empty defaults for an unconfigured day")
	}
	var nilCal *Calendar
	if _, err := nilCal.ResolveForWeekday(domain.Monday); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nil calendar should report ErrNotConfigured, got %v", err)
	}
}
