package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"coachbot/internal/domain"
)

type dispatchKey struct {
	item string
	fire int64
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	closed    bool
	students  map[int64]domain.Student
	templates map[int64]domain.Template
	schedules map[int64]domain.MessageSchedule
	days      map[domain.Weekday]domain.TrainingDayConfig
	reminder  *domain.WeeklyReminderConfig

	records map[string]domain.DispatchRecord
	byKey   map[dispatchKey]string
}

func NewMemory() *Memory {
	return &Memory{
		students:  map[int64]domain.Student{},
		templates: map[int64]domain.Template{},
		schedules: map[int64]domain.MessageSchedule{},
		days:      map[domain.Weekday]domain.TrainingDayConfig{},
		records:   map[string]domain.DispatchRecord{},
		byKey:     map[dispatchKey]string{},
	}
}

// memCatalog reads without locking; callers hold m.mu.
type memCatalog struct{ m *Memory }

func (m *Memory) View(ctx context.Context, fn func(Catalog) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(memCatalog{m: m})
}

func (m *Memory) read(ctx context.Context, fn func(c memCatalog) error) error {
	return m.View(ctx, func(c Catalog) error { return fn(c.(memCatalog)) })
}

func (c memCatalog) GetStudent(_ context.Context, id int64) (domain.Student, error) {
	s, ok := c.m.students[id]
	if !ok {
		return domain.Student{}, ErrNotFound
	}
	return s, nil
}

func (c memCatalog) ListActiveStudents(_ context.Context) ([]domain.Student, error) {
	out := make([]domain.Student, 0, len(c.m.students))
	for _, s := range c.m.students {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c memCatalog) GetTemplate(_ context.Context, id int64) (domain.Template, error) {
	t, ok := c.m.templates[id]
	if !ok {
		return domain.Template{}, ErrNotFound
	}
	t.Variables = append([]string(nil), t.Variables...)
	return t, nil
}

func (c memCatalog) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	out := make([]domain.Template, 0, len(c.m.templates))
	for id := range c.m.templates {
		t, _ := c.GetTemplate(ctx, id)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c memCatalog) GetSchedule(_ context.Context, id int64) (domain.MessageSchedule, error) {
	s, ok := c.m.schedules[id]
	if !ok {
		return domain.MessageSchedule{}, ErrNotFound
	}
	return cloneSchedule(s), nil
}

func (c memCatalog) ListActiveSchedules(_ context.Context) ([]domain.MessageSchedule, error) {
	out := make([]domain.MessageSchedule, 0, len(c.m.schedules))
	for _, s := range c.m.schedules {
		if s.Active {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c memCatalog) GetTrainingDayConfig(_ context.Context, d domain.Weekday) (domain.TrainingDayConfig, error) {
	cfg, ok := c.m.days[d]
	if !ok {
		return domain.TrainingDayConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (c memCatalog) ListTrainingDayConfigs(_ context.Context) ([]domain.TrainingDayConfig, error) {
	out := make([]domain.TrainingDayConfig, 0, len(c.m.days))
	for _, cfg := range c.m.days {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weekday < out[j].Weekday })
	return out, nil
}

func (c memCatalog) GetWeeklyReminderConfig(_ context.Context) (domain.WeeklyReminderConfig, bool, error) {
	if c.m.reminder == nil {
		return domain.WeeklyReminderConfig{}, false, nil
	}
	return *c.m.reminder, true, nil
}

func cloneSchedule(s domain.MessageSchedule) domain.MessageSchedule {
	s.Weekdays = append([]domain.Weekday(nil), s.Weekdays...)
	if s.Variables != nil {
		vars := make(map[string]string, len(s.Variables))
		for k, v := range s.Variables {
			vars[k] = v
		}
		s.Variables = vars
	}
	return s
}

// ---- Catalog (locked) ----

func (m *Memory) GetStudent(ctx context.Context, id int64) (s domain.Student, err error) {
	err = m.read(ctx, func(c memCatalog) error { s, err = c.GetStudent(ctx, id); return err })
	return s, err
}

func (m *Memory) ListActiveStudents(ctx context.Context) (out []domain.Student, err error) {
	err = m.read(ctx, func(c memCatalog) error { out, err = c.ListActiveStudents(ctx); return err })
	return out, err
}

func (m *Memory) GetTemplate(ctx context.Context, id int64) (t domain.Template, err error) {
	err = m.read(ctx, func(c memCatalog) error { t, err = c.GetTemplate(ctx, id); return err })
	return t, err
}

func (m *Memory) ListTemplates(ctx context.Context) (out []domain.Template, err error) {
	err = m.read(ctx, func(c memCatalog) error { out, err = c.ListTemplates(ctx); return err })
	return out, err
}

func (m *Memory) GetSchedule(ctx context.Context, id int64) (s domain.MessageSchedule, err error) {
	err = m.read(ctx, func(c memCatalog) error { s, err = c.GetSchedule(ctx, id); return err })
	return s, err
}

func (m *Memory) ListActiveSchedules(ctx context.Context) (out []domain.MessageSchedule, err error) {
	err = m.read(ctx, func(c memCatalog) error { out, err = c.ListActiveSchedules(ctx); return err })
	return out, err
}

func (m *Memory) GetTrainingDayConfig(ctx context.Context, d domain.Weekday) (cfg domain.TrainingDayConfig, err error) {
	err = m.read(ctx, func(c memCatalog) error { cfg, err = c.GetTrainingDayConfig(ctx, d); return err })
	return cfg, err
}

func (m *Memory) ListTrainingDayConfigs(ctx context.Context) (out []domain.TrainingDayConfig, err error) {
	err = m.read(ctx, func(c memCatalog) error { out, err = c.ListTrainingDayConfigs(ctx); return err })
	return out, err
}

func (m *Memory) GetWeeklyReminderConfig(ctx context.Context) (cfg domain.WeeklyReminderConfig, ok bool, err error) {
	err = m.read(ctx, func(c memCatalog) error { cfg, ok, err = c.GetWeeklyReminderConfig(ctx); return err })
	return cfg, ok, err
}

// ---- Admin ----

func (m *Memory) write(ctx context.Context, v any, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v != nil {
		if err := domain.Validate(v); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	fn()
	return nil
}

func (m *Memory) PutStudent(ctx context.Context, s domain.Student) error {
	s.Username = normalizeUsername(s.Username)
	return m.write(ctx, s, func() { m.students[s.ID] = s })
}

func (m *Memory) PutTemplate(ctx context.Context, t domain.Template) error {
	t.Variables = append([]string(nil), t.Variables...)
	return m.write(ctx, t, func() { m.templates[t.ID] = t })
}

func (m *Memory) PutSchedule(ctx context.Context, s domain.MessageSchedule) error {
	s = cloneSchedule(s)
	return m.write(ctx, s, func() { m.schedules[s.ID] = s })
}

func (m *Memory) PutTrainingDay(ctx context.Context, c domain.TrainingDayConfig) error {
	return m.write(ctx, c, func() { m.days[c.Weekday] = c })
}

func (m *Memory) PutWeeklyReminder(ctx context.Context, c domain.WeeklyReminderConfig) error {
	return m.write(ctx, c, func() { m.reminder = &c })
}

func (m *Memory) LinkChat(ctx context.Context, username string, chatID int64) (domain.Student, error) {
	u := normalizeUsername(username)
	var (
		out   domain.Student
		found bool
	)
	err := m.write(ctx, nil, func() {
		if u == "" {
			return
		}
		for id, s := range m.students {
			if strings.EqualFold(s.Username, u) {
				s.ChatID = chatID
				m.students[id] = s
				out, found = s, true
				return
			}
		}
	})
	if err != nil {
		return domain.Student{}, err
	}
	if !found {
		return domain.Student{}, ErrNotFound
	}
	return out, nil
}

// ---- DispatchLog ----

func (m *Memory) GetDispatch(ctx context.Context, itemKey string, fireAt time.Time) (domain.DispatchRecord, bool, error) {
	var (
		rec domain.DispatchRecord
		ok  bool
	)
	err := m.read(ctx, func(memCatalog) error {
		id, found := m.byKey[dispatchKey{item: itemKey, fire: fireKey(fireAt)}]
		if found {
			rec, ok = m.records[id]
		}
		return nil
	})
	return rec, ok, err
}

func (m *Memory) SaveDispatch(ctx context.Context, rec domain.DispatchRecord) error {
	return m.write(ctx, nil, func() {
		m.records[rec.ID] = rec
		if !rec.Test {
			m.byKey[dispatchKey{item: rec.ItemKey, fire: fireKey(rec.FireAt)}] = rec.ID
		}
	})
}

func (m *Memory) ListDispatches(ctx context.Context, f DispatchFilter) ([]domain.DispatchRecord, error) {
	var out []domain.DispatchRecord
	err := m.read(ctx, func(memCatalog) error {
		for _, r := range m.records {
			if f.Outcome != "" && r.Outcome != f.Outcome {
				continue
			}
			if f.StudentID != 0 && r.StudentID != f.StudentID {
				continue
			}
			if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if lim := listLimit(f.Limit); len(out) > lim {
		out = out[:lim]
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func normalizeUsername(u string) string {
	return strings.TrimPrefix(strings.TrimSpace(u), "@")
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	if n > 1000 {
		return 1000
	}
	return n
}
