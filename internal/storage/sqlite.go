package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"coachbot/internal/domain"
	logx "coachbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteCatalog struct{ q queryer }

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/coachbot.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also makes View a
	// true snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) catalog() sqliteCatalog { return sqliteCatalog{q: s.db} }

func (s *sqliteStore) View(ctx context.Context, fn func(Catalog) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(sqliteCatalog{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- Catalog ----

func (s *sqliteStore) GetStudent(ctx context.Context, id int64) (domain.Student, error) {
	return s.catalog().GetStudent(ctx, id)
}
func (s *sqliteStore) ListActiveStudents(ctx context.Context) ([]domain.Student, error) {
	return s.catalog().ListActiveStudents(ctx)
}
func (s *sqliteStore) GetTemplate(ctx context.Context, id int64) (domain.Template, error) {
	return s.catalog().GetTemplate(ctx, id)
}
func (s *sqliteStore) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	return s.catalog().ListTemplates(ctx)
}
func (s *sqliteStore) GetSchedule(ctx context.Context, id int64) (domain.MessageSchedule, error) {
	return s.catalog().GetSchedule(ctx, id)
}
func (s *sqliteStore) ListActiveSchedules(ctx context.Context) ([]domain.MessageSchedule, error) {
	return s.catalog().ListActiveSchedules(ctx)
}
func (s *sqliteStore) GetTrainingDayConfig(ctx context.Context, d domain.Weekday) (domain.TrainingDayConfig, error) {
	return s.catalog().GetTrainingDayConfig(ctx, d)
}
func (s *sqliteStore) ListTrainingDayConfigs(ctx context.Context) ([]domain.TrainingDayConfig, error) {
	return s.catalog().ListTrainingDayConfigs(ctx)
}
func (s *sqliteStore) GetWeeklyReminderConfig(ctx context.Context) (domain.WeeklyReminderConfig, bool, error) {
	return s.catalog().GetWeeklyReminderConfig(ctx)
}

const studentCols = `id, name, username, chat_id, active`

func scanStudent(sc interface{ Scan(...any) error }) (domain.Student, error) {
	var st domain.Student
	err := sc.Scan(&st.ID, &st.Name, &st.Username, &st.ChatID, &st.Active)
	return st, err
}

func (c sqliteCatalog) GetStudent(ctx context.Context, id int64) (domain.Student, error) {
	st, err := scanStudent(c.q.QueryRowContext(ctx, `SELECT `+studentCols+` FROM students WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Student{}, ErrNotFound
	}
	return st, err
}

func (c sqliteCatalog) ListActiveStudents(ctx context.Context) ([]domain.Student, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+studentCols+` FROM students WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const templateCols = `id, name, content, variables, active`

func scanTemplate(sc interface{ Scan(...any) error }) (domain.Template, error) {
	var (
		t    domain.Template
		vars string
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.Content, &vars, &t.Active); err != nil {
		return domain.Template{}, err
	}
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &t.Variables); err != nil {
			return domain.Template{}, fmt.Errorf("template %d variables: %w", t.ID, err)
		}
	}
	return t, nil
}

func (c sqliteCatalog) GetTemplate(ctx context.Context, id int64) (domain.Template, error) {
	t, err := scanTemplate(c.q.QueryRowContext(ctx, `SELECT `+templateCols+` FROM templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Template{}, ErrNotFound
	}
	return t, err
}

func (c sqliteCatalog) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+templateCols+` FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const scheduleCols = `id, template_id, student_id, hour, minute, weekdays, variables, active`

func scanSchedule(sc interface{ Scan(...any) error }) (domain.MessageSchedule, error) {
	var (
		m        domain.MessageSchedule
		weekdays string
		vars     string
	)
	if err := sc.Scan(&m.ID, &m.TemplateID, &m.StudentID, &m.Hour, &m.Minute, &weekdays, &vars, &m.Active); err != nil {
		return domain.MessageSchedule{}, err
	}
	days, err := decodeWeekdays(weekdays)
	if err != nil {
		return domain.MessageSchedule{}, fmt.Errorf("schedule %d weekdays: %w", m.ID, err)
	}
	m.Weekdays = days
	if vars != "" && vars != "{}" {
		if err := json.Unmarshal([]byte(vars), &m.Variables); err != nil {
			return domain.MessageSchedule{}, fmt.Errorf("schedule %d variables: %w", m.ID, err)
		}
	}
	return m, nil
}

func (c sqliteCatalog) GetSchedule(ctx context.Context, id int64) (domain.MessageSchedule, error) {
	m, err := scanSchedule(c.q.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM message_schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MessageSchedule{}, ErrNotFound
	}
	return m, err
}

func (c sqliteCatalog) ListActiveSchedules(ctx context.Context) ([]domain.MessageSchedule, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+scheduleCols+` FROM message_schedules WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MessageSchedule
	for rows.Next() {
		m, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c sqliteCatalog) GetTrainingDayConfig(ctx context.Context, d domain.Weekday) (domain.TrainingDayConfig, error) {
	var cfg domain.TrainingDayConfig
	err := c.q.QueryRowContext(ctx, `SELECT weekday, session_type, location FROM training_days WHERE weekday = ?`, int(d)).
		Scan(&cfg.Weekday, &cfg.SessionType, &cfg.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TrainingDayConfig{}, ErrNotFound
	}
	return cfg, err
}

func (c sqliteCatalog) ListTrainingDayConfigs(ctx context.Context) ([]domain.TrainingDayConfig, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT weekday, session_type, location FROM training_days ORDER BY weekday`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TrainingDayConfig
	for rows.Next() {
		var cfg domain.TrainingDayConfig
		if err := rows.Scan(&cfg.Weekday, &cfg.SessionType, &cfg.Location); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (c sqliteCatalog) GetWeeklyReminderConfig(ctx context.Context) (domain.WeeklyReminderConfig, bool, error) {
	var cfg domain.WeeklyReminderConfig
	err := c.q.QueryRowContext(ctx,
		`SELECT weekday, hour, minute, message_full_week, message_monday_off, is_monday_off, active
		 FROM weekly_reminder WHERE id = 1`).
		Scan(&cfg.Weekday, &cfg.Hour, &cfg.Minute, &cfg.MessageFullWeek, &cfg.MessageMondayOff, &cfg.IsMondayOff, &cfg.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WeeklyReminderConfig{}, false, nil
	}
	if err != nil {
		return domain.WeeklyReminderConfig{}, false, err
	}
	return cfg, true, nil
}

// ---- Admin ----

func (s *sqliteStore) PutStudent(ctx context.Context, st domain.Student) error {
	st.Username = normalizeUsername(st.Username)
	if err := domain.Validate(st); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO students(id, name, username, chat_id, active) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, username=excluded.username,
		   chat_id=excluded.chat_id, active=excluded.active`,
		st.ID, st.Name, st.Username, st.ChatID, st.Active)
	return err
}

func (s *sqliteStore) PutTemplate(ctx context.Context, t domain.Template) error {
	if err := domain.Validate(t); err != nil {
		return err
	}
	vars := t.Variables
	if vars == nil {
		vars = []string{}
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates(id, name, content, variables, active) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, content=excluded.content,
		   variables=excluded.variables, active=excluded.active`,
		t.ID, t.Name, t.Content, string(b), t.Active)
	return err
}

func (s *sqliteStore) PutSchedule(ctx context.Context, m domain.MessageSchedule) error {
	if err := domain.Validate(m); err != nil {
		return err
	}
	vars := m.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_schedules(id, template_id, student_id, hour, minute, weekdays, variables, active)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET template_id=excluded.template_id, student_id=excluded.student_id,
		   hour=excluded.hour, minute=excluded.minute, weekdays=excluded.weekdays,
		   variables=excluded.variables, active=excluded.active`,
		m.ID, m.TemplateID, m.StudentID, m.Hour, m.Minute, encodeWeekdays(m.Weekdays), string(b), m.Active)
	return err
}

func (s *sqliteStore) PutTrainingDay(ctx context.Context, c domain.TrainingDayConfig) error {
	if err := domain.Validate(c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_days(weekday, session_type, location) VALUES(?,?,?)
		 ON CONFLICT(weekday) DO UPDATE SET session_type=excluded.session_type, location=excluded.location`,
		int(c.Weekday), c.SessionType, c.Location)
	return err
}

func (s *sqliteStore) PutWeeklyReminder(ctx context.Context, c domain.WeeklyReminderConfig) error {
	if err := domain.Validate(c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO weekly_reminder(id, weekday, hour, minute, message_full_week, message_monday_off, is_monday_off, active)
		 VALUES(1,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET weekday=excluded.weekday, hour=excluded.hour, minute=excluded.minute,
		   message_full_week=excluded.message_full_week, message_monday_off=excluded.message_monday_off,
		   is_monday_off=excluded.is_monday_off, active=excluded.active`,
		int(c.Weekday), c.Hour, c.Minute, c.MessageFullWeek, c.MessageMondayOff, c.IsMondayOff, c.Active)
	return err
}

func (s *sqliteStore) LinkChat(ctx context.Context, username string, chatID int64) (domain.Student, error) {
	u := normalizeUsername(username)
	if u == "" {
		return domain.Student{}, ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `UPDATE students SET chat_id = ? WHERE username = ? COLLATE NOCASE`, chatID, u)
	if err != nil {
		return domain.Student{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Student{}, ErrNotFound
	}
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentCols+` FROM students WHERE username = ? COLLATE NOCASE ORDER BY id LIMIT 1`, u))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Student{}, ErrNotFound
	}
	return st, err
}

// ---- DispatchLog ----

const dispatchCols = `id, item_key, kind, schedule_id, student_id, chat_id, fire_at, text, outcome, attempts, last_error, test, created_at, updated_at`

func scanDispatch(sc interface{ Scan(...any) error }) (domain.DispatchRecord, error) {
	var (
		r                 domain.DispatchRecord
		kind, outcome     string
		text, lastErr     sql.NullString
		fire, created, up int64
	)
	err := sc.Scan(&r.ID, &r.ItemKey, &kind, &r.ScheduleID, &r.StudentID, &r.ChatID, &fire,
		&text, &outcome, &r.Attempts, &lastErr, &r.Test, &created, &up)
	if err != nil {
		return domain.DispatchRecord{}, err
	}
	r.Kind = domain.ItemKind(kind)
	r.Outcome = domain.Outcome(outcome)
	r.Text = text.String
	r.LastError = lastErr.String
	r.FireAt = time.Unix(fire, 0)
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(up)
	return r, nil
}

func (s *sqliteStore) GetDispatch(ctx context.Context, itemKey string, fireAt time.Time) (domain.DispatchRecord, bool, error) {
	r, err := scanDispatch(s.db.QueryRowContext(ctx,
		`SELECT `+dispatchCols+` FROM dispatch_records WHERE item_key = ? AND fire_at = ? AND test = 0`,
		itemKey, fireKey(fireAt)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DispatchRecord{}, false, nil
	}
	if err != nil {
		return domain.DispatchRecord{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) SaveDispatch(ctx context.Context, r domain.DispatchRecord) error {
	if r.ID == "" {
		return errors.New("dispatch record id is required")
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_records(`+dispatchCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET text=excluded.text, outcome=excluded.outcome,
		   attempts=excluded.attempts, last_error=excluded.last_error, chat_id=excluded.chat_id,
		   updated_at=excluded.updated_at`,
		r.ID, r.ItemKey, string(r.Kind), r.ScheduleID, r.StudentID, r.ChatID, fireKey(r.FireAt),
		nullStr(r.Text), string(r.Outcome), r.Attempts, nullStr(r.LastError), r.Test,
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) ListDispatches(ctx context.Context, f DispatchFilter) ([]domain.DispatchRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.StudentID != 0 {
		where = append(where, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	q := `SELECT ` + dispatchCols + ` FROM dispatch_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT " + strconv.Itoa(listLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DispatchRecord
	for rows.Next() {
		r, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeWeekdays(days []domain.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(s string) ([]domain.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		d, err := domain.ParseWeekday(n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
