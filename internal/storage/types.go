package storage

import (
	"context"
	"errors"
	"time"

	"coachbot/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, dry runs)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Catalog is the read side the scheduler needs. Implementations return
// ErrNotFound for missing single rows.
type Catalog interface {
	GetStudent(ctx context.Context, id int64) (domain.Student, error)
	ListActiveStudents(ctx context.Context) ([]domain.Student, error)
	GetTemplate(ctx context.Context, id int64) (domain.Template, error)
	ListTemplates(ctx context.Context) ([]domain.Template, error)
	GetSchedule(ctx context.Context, id int64) (domain.MessageSchedule, error)
	ListActiveSchedules(ctx context.Context) ([]domain.MessageSchedule, error)
	GetTrainingDayConfig(ctx context.Context, d domain.Weekday) (domain.TrainingDayConfig, error)
	ListTrainingDayConfigs(ctx context.Context) ([]domain.TrainingDayConfig, error)
	// GetWeeklyReminderConfig reports ok=false when no config row exists.
	GetWeeklyReminderConfig(ctx context.Context) (cfg domain.WeeklyReminderConfig, ok bool, err error)
}

// DispatchFilter narrows ListDispatches. Zero values mean "any".
type DispatchFilter struct {
	Outcome   domain.Outcome
	StudentID int64
	Since     time.Time
	Limit     int
}

// DispatchLog persists dispatch records.
type DispatchLog interface {
	// GetDispatch looks up the non-test record for (itemKey, fireAt).
	GetDispatch(ctx context.Context, itemKey string, fireAt time.Time) (domain.DispatchRecord, bool, error)
	// SaveDispatch inserts or replaces a record by ID.
	SaveDispatch(ctx context.Context, rec domain.DispatchRecord) error
	// ListDispatches returns records newest first.
	ListDispatches(ctx context.Context, f DispatchFilter) ([]domain.DispatchRecord, error)
}

// Admin holds the writers used by seeding and chat linking.
type Admin interface {
	PutStudent(ctx context.Context, s domain.Student) error
	PutTemplate(ctx context.Context, t domain.Template) error
	PutSchedule(ctx context.Context, m domain.MessageSchedule) error
	PutTrainingDay(ctx context.Context, c domain.TrainingDayConfig) error
	PutWeeklyReminder(ctx context.Context, c domain.WeeklyReminderConfig) error
	// LinkChat assigns chatID to the student whose username matches
	// (case-insensitive, leading @ ignored).
	LinkChat(ctx context.Context, username string, chatID int64) (domain.Student, error)
}

// Store is the full persistence API.
type Store interface {
	Catalog
	DispatchLog
	Admin

	// View runs fn against one consistent read of the catalog.
	View(ctx context.Context, fn func(Catalog) error) error
	Close() error
}

func fireKey(t time.Time) int64 { return t.Truncate(time.Minute).Unix() }
