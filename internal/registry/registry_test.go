package registry

import (
	"testing"

	"coachbot/internal/domain"
)

func ids(in []domain.MessageSchedule) []int64 {
	out := make([]int64, 0, len(in))
	for _, s := range in {
		out = append(out, s.ID)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestActiveSchedulesFor(t *testing.T) {
	t.Parallel()
	r := New([]domain.MessageSchedule{
		{ID: 9, Active: true, Weekdays: []domain.Weekday{domain.Monday}, Hour: 7},
		{ID: 3, Active: true, Weekdays: []domain.Weekday{domain.Monday, domain.Wednesday}, Hour: 7},
		{ID: 5, Active: false, Weekdays: []domain.Weekday{domain.Monday}, Hour: 7},
		{ID: 1, Active: true, Weekdays: []domain.Weekday{domain.Tuesday}, Hour: 7},
	})

	tests := []struct {
		name string
		day  domain.Weekday
		want []int64
	}{
		{name: "monday ordered", day: domain.Monday, want: []int64{3, 9}},
		{name: "wednesday", day: domain.Wednesday, want: []int64{3}},
		{name: "empty", day: domain.Sunday, want: []int64{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ids(r.ActiveSchedulesFor(tt.day)); !equalIDs(got, tt.want) {
				t.Fatalf("ActiveSchedulesFor(%v) = %v, want %v", tt.day, got, tt.want)
			}
		})
	}
}

func TestDueExactMatch(t *testing.T) {
	t.Parallel()
	r := New([]domain.MessageSchedule{
		{ID: 1, Active: true, Weekdays: []domain.Weekday{domain.Thursday}, Hour: 18, Minute: 30},
		{ID: 2, Active: true, Weekdays: []domain.Weekday{domain.Thursday}, Hour: 18, Minute: 31},
		{ID: 3, Active: true, Weekdays: []domain.Weekday{domain.Thursday}, Hour: 18, Minute: 30},
	})
	if got := ids(r.Due(domain.Thursday, 18, 30)); !equalIDs(got, []int64{1, 3}) {
		t.Fatalf("Due = %v, want [1 3]", got)
	}
	if got := r.Due(domain.Thursday, 17, 30); len(got) != 0 {
		t.Fatalf("expected nothing due at 17:30, got %v", ids(got))
	}
}

func TestNewCopiesInput(t *testing.T) {
	t.Parallel()
	in := []domain.MessageSchedule{{ID: 1, Active: true, Weekdays: []domain.Weekday{domain.Friday}}}
	r := New(in)
	in[0].Active = false
	if len(r.ActiveSchedulesFor(domain.Friday)) != 1 {
		t.Fatal("registry must not observe later writes to its input")
	}
}
