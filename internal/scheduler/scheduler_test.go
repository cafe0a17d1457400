package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coachbot/internal/clock"
	"coachbot/internal/dispatch"
	"coachbot/internal/domain"
	"coachbot/internal/retry"
	"coachbot/internal/storage"
	kit "coachbot/internal/transport"
	logx "coachbot/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	block chan struct{} // when set, Send waits for ctx
}

func (r *recordingSender) Send(ctx context.Context, _ int64, text string, _ ...kit.Button) error {
	if r.block != nil {
		close(r.block)
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type alertLog struct {
	mu   sync.Mutex
	keys []string
}

func (a *alertLog) Alert(_ context.Context, key, _ string) error {
	a.mu.Lock()
	a.keys = append(a.keys, key)
	a.mu.Unlock()
	return nil
}

func (a *alertLog) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

// Wednesday 12 June 2024, 07:00 UTC.
var wednesday7 = time.Date(2024, 6, 12, 7, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *storage.Memory {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	steps := []error{
		st.PutStudent(ctx, domain.Student{ID: 1, Name: "Ana", Username: "ana", ChatID: 1001, Active: true}),
		st.PutTemplate(ctx, domain.Template{ID: 10, Name: "sesion", Content: "Hoy entrenas {{session_type}} en {{location}}", Active: true}),
		st.PutSchedule(ctx, domain.MessageSchedule{ID: 100, TemplateID: 10, StudentID: 1, Hour: 7, Minute: 0, Weekdays: []domain.Weekday{domain.Wednesday}, Active: true}),
		st.PutTrainingDay(ctx, domain.TrainingDayConfig{Weekday: domain.Wednesday, SessionType: "Pierna", Location: "Sala 1"}),
	}
	for _, err := range steps {
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return st
}

func newService(t *testing.T, st storage.Store, sender dispatch.Sender, clk clock.Clock, grace time.Duration) *Service {
	t.Helper()
	policy := retry.Policy{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: -1}
	d := dispatch.New(dispatch.Options{Retry: policy}, sender, st, dispatch.WithClock(clk))
	return New(Config{Enabled: true, Timezone: "UTC", ShutdownGrace: grace}, st, d, clk, logx.Nop(), nil)
}

func TestTickDispatchesOncePerMinute(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	clk := clock.NewFixed(wednesday7.Add(3 * time.Second))
	s := newService(t, seededStore(t), sender, clk, time.Second)

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Due != 1 || rep.Sent != 1 || !rep.At.Equal(wednesday7) {
		t.Fatalf("report = %+v", rep)
	}
	if got := sender.sent(); len(got) != 1 || got[0] != "Hoy entrenas Pierna en Sala 1" {
		t.Fatalf("sent = %q", got)
	}

	// Same minute again, e.g. a manual re-run: nothing new goes out.
	rep, _ = s.Tick(context.Background())
	if rep.Duplicates != 1 || rep.Sent != 0 {
		t.Fatalf("second report = %+v", rep)
	}

	clk.Advance(time.Minute)
	rep, _ = s.Tick(context.Background())
	if rep.Due != 0 {
		t.Fatalf("07:01 report = %+v", rep)
	}
	if last, ok := s.Last(); !ok || last != rep {
		t.Fatalf("Last = %+v, %v", last, ok)
	}
}

func TestTickGuard(t *testing.T) {
	t.Parallel()
	s := newService(t, seededStore(t), &recordingSender{}, clock.NewFixed(wednesday7), time.Second)

	s.token <- struct{}{}
	if _, err := s.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("err = %v, want ErrTickInProgress", err)
	}
	<-s.token
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after release: %v", err)
	}
	// The guard is released on the error path too.
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("third Tick: %v", err)
	}
}

func TestTickSnapshotFailureAborts(t *testing.T) {
	t.Parallel()
	st := seededStore(t)
	sender := &recordingSender{}
	s := newService(t, st, sender, clock.NewFixed(wednesday7), time.Second)
	alerts := &alertLog{}
	s.SetAlerter(alerts)
	_ = st.Close()

	rep, err := s.Tick(context.Background())
	if err == nil || rep.Error == "" {
		t.Fatalf("expected load failure, got %+v", rep)
	}
	if keys := alerts.snapshot(); len(keys) != 1 || keys[0] != "scheduler:snapshot" {
		t.Fatalf("alerts = %v", keys)
	}
	if len(sender.sent()) != 0 {
		t.Fatal("aborted tick sent messages")
	}
	if _, err := s.Tick(context.Background()); errors.Is(err, ErrTickInProgress) {
		t.Fatal("guard not released after aborted tick")
	}
}

func TestStopCancelsAfterGrace(t *testing.T) {
	t.Parallel()
	st := seededStore(t)
	sender := &recordingSender{block: make(chan struct{})}
	s := newService(t, st, sender, clock.NewFixed(wednesday7), 20*time.Millisecond)
	s.Start(context.Background())

	done := make(chan TickReport, 1)
	go func() {
		rep, _ := s.Tick(s.runCtx)
		done <- rep
	}()
	<-sender.block

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rep := <-done
	if rep.Pending != 1 {
		t.Fatalf("report = %+v", rep)
	}
	rec, ok, _ := st.GetDispatch(context.Background(), domain.ScheduleKey(100), wednesday7)
	if !ok || rec.Outcome != domain.OutcomePending || rec.Attempts != 1 {
		t.Fatalf("record = %+v ok=%v", rec, ok)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestApplyTimezone(t *testing.T) {
	t.Parallel()
	s := newService(t, seededStore(t), &recordingSender{}, clock.NewFixed(wednesday7), time.Second)
	s.Apply(Config{Enabled: true, Timezone: "Not/AZone", ShutdownGrace: time.Second})
	if s.Location() != time.Local {
		t.Fatalf("invalid zone should fall back to Local, got %s", s.Location())
	}
	s.Apply(Config{Enabled: true, Timezone: "UTC", ShutdownGrace: time.Second})
	if s.Location().String() != "UTC" {
		t.Fatalf("location = %s", s.Location())
	}
}

func cronRunning(s *Service) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func TestApplyTogglesTrigger(t *testing.T) {
	t.Parallel()
	s := newService(t, seededStore(t), &recordingSender{}, clock.NewFixed(wednesday7), time.Second)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	off := Config{Enabled: false, Timezone: "UTC", ShutdownGrace: time.Second}
	on := Config{Enabled: true, Timezone: "UTC", ShutdownGrace: time.Second}

	// Not started yet: enabling only records the config.
	s.Apply(off)
	s.Apply(on)
	if cronRunning(s) {
		t.Fatal("trigger running before Start")
	}

	s.Start(context.Background())
	if !cronRunning(s) {
		t.Fatal("trigger not running after Start")
	}
	s.Apply(off)
	if cronRunning(s) || s.Enabled() {
		t.Fatal("trigger still running after disable")
	}
	s.Apply(on)
	if !cronRunning(s) {
		t.Fatal("trigger not restarted after enable")
	}
}

func TestStartDisabledThenEnable(t *testing.T) {
	t.Parallel()
	st := seededStore(t)
	clk := clock.NewFixed(wednesday7)
	d := dispatch.New(dispatch.Options{}, &recordingSender{}, st, dispatch.WithClock(clk))
	s := New(Config{Enabled: false, Timezone: "UTC"}, st, d, clk, logx.Nop(), nil)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	s.Start(context.Background())
	if cronRunning(s) {
		t.Fatal("disabled service started its trigger")
	}
	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	if !cronRunning(s) {
		t.Fatal("trigger not started on enable")
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	clk := clock.NewFixed(wednesday7)
	s := newService(t, seededStore(t), sender, clk, time.Second)

	s.Start(context.Background())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// The guard stays held while stopped.
	if _, err := s.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("Tick while stopped: %v", err)
	}

	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	rep, err := s.Tick(context.Background())
	if err != nil || rep.Sent != 1 {
		t.Fatalf("Tick after restart = %+v, %v", rep, err)
	}
}

func TestTickClosesMissedPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := seededStore(t)
	clk := clock.NewFixed(wednesday7.Add(time.Minute))
	s := newService(t, st, &recordingSender{}, clk, time.Second)

	stale := domain.DispatchRecord{
		ID: "stale", ItemKey: domain.ScheduleKey(100), Kind: domain.KindSchedule,
		StudentID: 1, ChatID: 1001, FireAt: wednesday7, Outcome: domain.OutcomePending,
		CreatedAt: wednesday7, UpdatedAt: wednesday7,
	}
	if err := st.SaveDispatch(ctx, stale); err != nil {
		t.Fatal(err)
	}

	rep, err := s.Tick(ctx)
	if err != nil || rep.Missed != 1 {
		t.Fatalf("report = %+v, %v", rep, err)
	}
	rec, _, _ := st.GetDispatch(ctx, stale.ItemKey, stale.FireAt)
	if rec.Outcome != domain.OutcomeFailed || rec.LastError != dispatch.ErrMissedWindow.Error() {
		t.Fatalf("record = %+v", rec)
	}
}
