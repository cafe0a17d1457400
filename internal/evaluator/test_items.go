package evaluator

import (
	"context"
	"time"

	"coachbot/internal/domain"
	"coachbot/internal/storage"
)

// ScheduleTestItem builds the item schedule id would produce at now,
// regardless of its weekday and time. Errors are storage.ErrNotFound or a
// skip reason (ErrStudentUnavailable, ErrNoChat, ErrTemplateUnavailable,
// calendar.ErrNotConfigured).
func ScheduleTestItem(ctx context.Context, st storage.Store, id int64, now time.Time) (Item, error) {
	snap, err := Load(ctx, st)
	if err != nil {
		return Item{}, err
	}
	sch, err := st.GetSchedule(ctx, id)
	if err != nil {
		return Item{}, err
	}
	return ScheduleItem(now, sch, snap)
}

// ReminderTestItem builds the weekly reminder for one student at now using
// the stored config, or the default one when none is stored.
func ReminderTestItem(ctx context.Context, st storage.Store, studentID int64, now time.Time) (Item, error) {
	s, err := st.GetStudent(ctx, studentID)
	if err != nil {
		return Item{}, err
	}
	if !s.Reachable() {
		return Item{}, ErrNoChat
	}
	cfg, ok, err := st.GetWeeklyReminderConfig(ctx)
	if err != nil {
		return Item{}, err
	}
	if !ok {
		cfg = domain.DefaultWeeklyReminder()
	}
	return ReminderItem(now.Truncate(time.Minute), cfg, s), nil
}
