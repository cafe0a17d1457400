// Package evaluator turns a snapshot and an instant into the ordered list of
// messages due at that minute.
package evaluator

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"coachbot/internal/calendar"
	"coachbot/internal/domain"
	"coachbot/internal/reminder"
	"coachbot/internal/render"
)

// Variable names every item carries.
const (
	VarStudentName        = "student_name"
	VarStudentDisplayName = "student_display_name"
	VarWeekday            = "weekday"
	VarDayName            = "day_name"
	VarTime               = "time"
)

var (
	ErrStudentUnavailable  = errors.New("student inactive or missing")
	ErrNoChat              = errors.New("student has no chat yet")
	ErrTemplateUnavailable = errors.New("template inactive or missing")
)

// Item is one message to deliver. Content is rendered by the dispatcher.
type Item struct {
	Kind       domain.ItemKind
	Key        string
	FireAt     time.Time
	Student    domain.Student
	ScheduleID int64
	TemplateID int64
	Content    string
	Vars       map[string]string
	// Variant is set for weekly reminder items only.
	Variant reminder.Variant
}

// Skip is an item that was due but will not be sent.
type Skip struct {
	Key        string
	StudentID  int64
	ScheduleID int64
	Err        error
}

func (s Skip) Reason() string { return s.Err.Error() }

type Result struct {
	At      time.Time
	Items   []Item
	Skipped []Skip
}

// Evaluate lists the items due at now, which must already be in the
// operating timezone. Schedule items come first in registry order, then one
// weekly reminder item per reachable active student by ascending ID.
func Evaluate(now time.Time, snap Snapshot) Result {
	fireAt := now.Truncate(time.Minute)
	wd := domain.WeekdayOf(now)
	res := Result{At: fireAt}

	for _, sch := range snap.Registry().Due(wd, now.Hour(), now.Minute()) {
		item, err := scheduleItem(fireAt, wd, sch, snap)
		if err != nil {
			res.Skipped = append(res.Skipped, Skip{
				Key:        domain.ScheduleKey(sch.ID),
				StudentID:  sch.StudentID,
				ScheduleID: sch.ID,
				Err:        err,
			})
			continue
		}
		res.Items = append(res.Items, item)
	}

	if cfg, ok := snap.Reminder().Due(now); ok {
		for _, st := range snap.ActiveStudents() {
			key := domain.ReminderKey(st.ID)
			if !st.Reachable() {
				res.Skipped = append(res.Skipped, Skip{Key: key, StudentID: st.ID, Err: ErrNoChat})
				continue
			}
			res.Items = append(res.Items, ReminderItem(fireAt, cfg, st))
		}
	}
	return res
}

// ReminderItem builds the weekly reminder for one student.
func ReminderItem(fireAt time.Time, cfg domain.WeeklyReminderConfig, st domain.Student) Item {
	return Item{
		Kind:    domain.KindWeeklyReminder,
		Key:     domain.ReminderKey(st.ID),
		FireAt:  fireAt,
		Student: st,
		Content: reminder.Body(cfg),
		Vars:    baseVars(fireAt, domain.WeekdayOf(fireAt), st),
		Variant: reminder.VariantOf(cfg),
	}
}

// ScheduleItem builds the item for one schedule regardless of its timing,
// for test sends.
func ScheduleItem(fireAt time.Time, sch domain.MessageSchedule, snap Snapshot) (Item, error) {
	return scheduleItem(fireAt, domain.WeekdayOf(fireAt), sch, snap)
}

func scheduleItem(fireAt time.Time, wd domain.Weekday, sch domain.MessageSchedule, snap Snapshot) (Item, error) {
	st, ok := snap.Student(sch.StudentID)
	if !ok {
		return Item{}, fmt.Errorf("student %d: %w", sch.StudentID, ErrStudentUnavailable)
	}
	if !st.Reachable() {
		return Item{}, fmt.Errorf("student %d: %w", st.ID, ErrNoChat)
	}
	tpl, ok := snap.Template(sch.TemplateID)
	if !ok {
		return Item{}, fmt.Errorf("template %d: %w", sch.TemplateID, ErrTemplateUnavailable)
	}

	vars := baseVars(fireAt, wd, st)
	_, calErr := snap.Calendar().ResolveForWeekday(wd)
	for k, v := range snap.Calendar().Defaults(wd) {
		vars[k] = v
	}
	for k, v := range sch.Variables {
		vars[k] = v
	}
	// An unconfigured day only matters when the template needs what the
	// calendar would have supplied.
	if calErr != nil {
		for _, name := range []string{calendar.VarSessionType, calendar.VarLocation} {
			if _, set := vars[name]; !set && render.Uses(tpl.Content, name) {
				return Item{}, fmt.Errorf("%s: %w", wd.Name(), calErr)
			}
		}
	}

	return Item{
		Kind:       domain.KindSchedule,
		Key:        domain.ScheduleKey(sch.ID),
		FireAt:     fireAt,
		Student:    st,
		ScheduleID: sch.ID,
		TemplateID: tpl.ID,
		Content:    tpl.Content,
		Vars:       vars,
	}, nil
}

func baseVars(at time.Time, wd domain.Weekday, st domain.Student) map[string]string {
	return map[string]string{
		VarStudentName:        st.Name,
		VarStudentDisplayName: st.DisplayName(),
		VarWeekday:            strconv.Itoa(int(wd)),
		VarDayName:            wd.Name(),
		VarTime:               at.Format("15:04"),
	}
}
