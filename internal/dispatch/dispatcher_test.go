package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coachbot/internal/clock"
	"coachbot/internal/domain"
	"coachbot/internal/evaluator"
	"coachbot/internal/eventbus"
	"coachbot/internal/render"
	"coachbot/internal/retry"
	"coachbot/internal/storage"
	kit "coachbot/internal/transport"
)

type delivery struct {
	chatID  int64
	text    string
	buttons []kit.Button
}

// scriptedSender fails with the queued errors first, then succeeds.
type scriptedSender struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	sent   []delivery
	onCall func(n int)
}

func (s *scriptedSender) Send(_ context.Context, chatID int64, text string, buttons ...kit.Button) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	} else {
		s.sent = append(s.sent, delivery{chatID: chatID, text: text, buttons: buttons})
	}
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return err
}

func (s *scriptedSender) counts() (calls int, delivered []delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]delivery(nil), s.sent...)
}

type captureAlerts struct {
	mu   sync.Mutex
	keys []string
}

func (c *captureAlerts) Alert(_ context.Context, key, _ string) error {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
	return nil
}

var fast = retry.Policy{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: -1}

func newTestDispatcher(t *testing.T, s Sender, opts ...Option) (*Dispatcher, *storage.Memory) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	seq := 0
	var mu sync.Mutex
	opts = append([]Option{WithIDs(func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("rec-%d", seq)
	})}, opts...)
	return New(Options{Retry: fast, MaxConcurrent: 2}, s, st, opts...), st
}

func sessionItem() evaluator.Item {
	return evaluator.Item{
		Kind:       domain.KindSchedule,
		Key:        domain.ScheduleKey(100),
		FireAt:     time.Date(2024, 6, 12, 7, 0, 0, 0, time.UTC),
		Student:    domain.Student{ID: 1, Name: "Ana", ChatID: 1001, Active: true},
		ScheduleID: 100,
		TemplateID: 10,
		Content:    "Hoy entrenas {{session_type}} en {{location}}",
		Vars:       map[string]string{"session_type": "Pierna", "location": "Sala 1"},
	}
}

func TestDispatchIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &scriptedSender{}
	d, st := newTestDispatcher(t, s)

	rec, err := d.Dispatch(ctx, sessionItem())
	if err != nil || rec.Outcome != domain.OutcomeSent {
		t.Fatalf("first dispatch: %s, %v", rec.Outcome, err)
	}
	again, err := d.Dispatch(ctx, sessionItem())
	if !errors.Is(err, ErrDuplicate) || again.ID != rec.ID {
		t.Fatalf("second dispatch: id=%s err=%v", again.ID, err)
	}

	calls, delivered := s.counts()
	if calls != 1 || delivered[0].text != "Hoy entrenas Pierna en Sala 1" || delivered[0].chatID != 1001 {
		t.Fatalf("calls=%d delivered=%+v", calls, delivered)
	}
	recs, err := st.ListDispatches(ctx, storage.DispatchFilter{})
	if err != nil || len(recs) != 1 || recs[0].Outcome != domain.OutcomeSent {
		t.Fatalf("records = %+v, %v", recs, err)
	}
}

func TestDispatchRetriesThenSends(t *testing.T) {
	t.Parallel()
	transient := errors.New("connection reset")
	s := &scriptedSender{errs: []error{transient, transient}}
	bus := eventbus.New()
	retries, unsub := bus.Subscribe(8, eventbus.DispatchRetry)
	defer unsub()
	d, _ := newTestDispatcher(t, s, WithBus(bus))

	rec, err := d.Dispatch(context.Background(), sessionItem())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rec.Outcome != domain.OutcomeSent || rec.Attempts != 3 || rec.LastError != "" {
		t.Fatalf("record = %+v", rec)
	}
	if len(retries) != 2 {
		t.Fatalf("retry events = %d, want 2", len(retries))
	}
}

func TestDispatchExhaustionAlerts(t *testing.T) {
	t.Parallel()
	boom := errors.New("telegram down")
	s := &scriptedSender{errs: []error{boom, boom, boom}}
	alerts := &captureAlerts{}
	d, _ := newTestDispatcher(t, s, WithAlerter(alerts))

	rec, err := d.Dispatch(context.Background(), sessionItem())
	if !errors.Is(err, ErrSend) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if rec.Outcome != domain.OutcomeFailed || rec.Attempts != 3 {
		t.Fatalf("record = %+v", rec)
	}
	if len(alerts.keys) != 1 || alerts.keys[0] != "dispatch:schedule:100" {
		t.Fatalf("alerts = %v", alerts.keys)
	}

	// Failed is terminal for the same fire minute.
	if _, err := d.Dispatch(context.Background(), sessionItem()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("redispatch err = %v", err)
	}
}

func TestDispatchPermanentErrorStops(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{retry.NoRetry(errors.New("blocked by user"))}}
	d, _ := newTestDispatcher(t, s)

	rec, _ := d.Dispatch(context.Background(), sessionItem())
	if rec.Outcome != domain.OutcomeFailed || rec.Attempts != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestDispatchMissingVariable(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{}
	d, _ := newTestDispatcher(t, s)

	item := sessionItem()
	delete(item.Vars, "location")
	rec, err := d.Dispatch(context.Background(), item)
	if !errors.Is(err, render.ErrMissingVariable) {
		t.Fatalf("err = %v", err)
	}
	if rec.Outcome != domain.OutcomeFailed || rec.Attempts != 0 || rec.Text != "" {
		t.Fatalf("record = %+v", rec)
	}
	if calls, _ := s.counts(); calls != 0 {
		t.Fatalf("sender called %d times", calls)
	}
}

func TestSendTestBypassesIdempotency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &scriptedSender{}
	d, st := newTestDispatcher(t, s)

	for i := 0; i < 2; i++ {
		rec, err := d.SendTest(ctx, sessionItem())
		if err != nil || !rec.Test || rec.Outcome != domain.OutcomeSent {
			t.Fatalf("SendTest %d: %+v, %v", i, rec, err)
		}
	}
	if _, err := d.Dispatch(ctx, sessionItem()); err != nil {
		t.Fatalf("real dispatch after tests: %v", err)
	}
	if calls, _ := s.counts(); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if _, ok, _ := st.GetDispatch(ctx, domain.ScheduleKey(100), sessionItem().FireAt); !ok {
		t.Fatal("real record not indexed")
	}
}

func TestDispatchResumesPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &scriptedSender{errs: []error{errors.New("still down")}}
	item := sessionItem()
	d, st := newTestDispatcher(t, s, WithClock(clock.NewFixed(item.FireAt.Add(30*time.Second))))

	prev := domain.DispatchRecord{
		ID: "prev", ItemKey: item.Key, Kind: item.Kind, StudentID: 1, ChatID: 1001,
		FireAt: item.FireAt, Outcome: domain.OutcomePending, Attempts: 2,
		CreatedAt: item.FireAt, UpdatedAt: item.FireAt,
	}
	if err := st.SaveDispatch(ctx, prev); err != nil {
		t.Fatal(err)
	}

	rec, _ := d.Dispatch(ctx, item)
	if rec.ID != "prev" || rec.Outcome != domain.OutcomeFailed || rec.Attempts != 3 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestDispatchAllTwoSchedulesSameMinute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &scriptedSender{}
	d, st := newTestDispatcher(t, s)

	a := sessionItem()
	a.Key, a.ScheduleID = domain.ScheduleKey(101), 101
	b := sessionItem()
	b.Key, b.ScheduleID = domain.ScheduleKey(102), 102
	b.Content = "Hola {{student_name}}"
	b.Vars = map[string]string{"student_name": "Ana"}

	sum := d.DispatchAll(ctx, nil, []evaluator.Item{a, b})
	if sum.Sent != 2 || len(sum.Records) != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Records[0].Text == sum.Records[1].Text {
		t.Fatalf("texts not distinct: %q", sum.Records[0].Text)
	}
	recs, _ := st.ListDispatches(ctx, storage.DispatchFilter{Outcome: domain.OutcomeSent})
	if len(recs) != 2 {
		t.Fatalf("sent records = %d, want 2", len(recs))
	}

	again := d.DispatchAll(ctx, nil, []evaluator.Item{a, b})
	if again.Duplicates != 2 || again.Sent != 0 {
		t.Fatalf("second pass = %+v", again)
	}
}

func TestDispatchAllStopped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &scriptedSender{}
	d, st := newTestDispatcher(t, s)

	stop := make(chan struct{})
	close(stop)
	sum := d.DispatchAll(ctx, stop, []evaluator.Item{sessionItem()})
	if sum.NotAdmitted != 1 || sum.Sent != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if calls, _ := s.counts(); calls != 0 {
		t.Fatalf("sender called %d times", calls)
	}
	rec, ok, _ := st.GetDispatch(ctx, sessionItem().Key, sessionItem().FireAt)
	if !ok || rec.Outcome != domain.OutcomePending || rec.Attempts != 0 {
		t.Fatalf("unadmitted record = %+v ok=%v", rec, ok)
	}
}

func TestDispatchAllStopMidBatchLeavesPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stop := make(chan struct{})
	s := &scriptedSender{onCall: func(n int) {
		if n == 1 {
			close(stop)
		}
	}}
	st := storage.NewMemory()
	defer st.Close()
	d := New(Options{Retry: fast, MaxConcurrent: 1}, s, st, WithClock(clock.NewFixed(sessionItem().FireAt)))

	a := sessionItem()
	b := sessionItem()
	b.Key, b.ScheduleID = domain.ScheduleKey(101), 101
	sum := d.DispatchAll(ctx, stop, []evaluator.Item{a, b})
	if sum.Sent != 1 || sum.NotAdmitted != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	rec, ok, _ := st.GetDispatch(ctx, b.Key, b.FireAt)
	if !ok || rec.Outcome != domain.OutcomePending || rec.Attempts != 0 {
		t.Fatalf("%s record = %+v ok=%v", b.Key, rec, ok)
	}

	// A later tick in the same minute resumes it.
	again := d.DispatchAll(ctx, nil, []evaluator.Item{a, b})
	if again.Sent != 1 || again.Duplicates != 1 {
		t.Fatalf("resume pass = %+v", again)
	}
	rec, _, _ = st.GetDispatch(ctx, b.Key, b.FireAt)
	if rec.Outcome != domain.OutcomeSent || rec.Attempts != 1 {
		t.Fatalf("resumed record = %+v", rec)
	}
}

func TestDispatchAllConcurrencyCap(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	s := &scriptedSender{onCall: func(int) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
	}}
	st := storage.NewMemory()
	defer st.Close()
	d := New(Options{Retry: fast, MaxConcurrent: 2}, s, st)

	items := make([]evaluator.Item, 8)
	for i := range items {
		items[i] = sessionItem()
		items[i].ScheduleID = int64(200 + i)
		items[i].Key = domain.ScheduleKey(items[i].ScheduleID)
	}
	sum := d.DispatchAll(context.Background(), nil, items)
	if sum.Sent != len(items) {
		t.Fatalf("summary = %+v", sum)
	}
	if got := peak.Load(); got != 2 {
		t.Fatalf("peak in-flight sends = %d, want 2", got)
	}
}

func TestDispatchAllSharesRateLimit(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{}
	st := storage.NewMemory()
	defer st.Close()
	// 20/s with burst 20: the first 20 go at once, the next 10 need ~500ms
	// no matter how many workers there are.
	d := New(Options{Retry: fast, MaxConcurrent: 10, RatePerSec: 20}, s, st)

	items := make([]evaluator.Item, 30)
	for i := range items {
		items[i] = sessionItem()
		items[i].ScheduleID = int64(300 + i)
		items[i].Key = domain.ScheduleKey(items[i].ScheduleID)
	}
	start := time.Now()
	sum := d.DispatchAll(context.Background(), nil, items)
	took := time.Since(start)
	if sum.Sent != len(items) {
		t.Fatalf("summary = %+v", sum)
	}
	if took < 400*time.Millisecond {
		t.Fatalf("30 sends at 20/s across 10 workers took %s", took)
	}
}

func TestDispatchClosesMissedPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &scriptedSender{}
	alerts := &captureAlerts{}
	item := sessionItem()
	d, st := newTestDispatcher(t, s, WithAlerter(alerts), WithClock(clock.NewFixed(item.FireAt.Add(90*time.Second))))

	prev := domain.DispatchRecord{
		ID: "prev", ItemKey: item.Key, Kind: item.Kind, StudentID: 1, ChatID: 1001,
		FireAt: item.FireAt, Outcome: domain.OutcomePending, Attempts: 1,
		CreatedAt: item.FireAt, UpdatedAt: item.FireAt,
	}
	if err := st.SaveDispatch(ctx, prev); err != nil {
		t.Fatal(err)
	}

	rec, err := d.Dispatch(ctx, item)
	if !errors.Is(err, ErrMissedWindow) {
		t.Fatalf("err = %v", err)
	}
	if rec.Outcome != domain.OutcomeFailed || rec.Attempts != 1 || rec.LastError != ErrMissedWindow.Error() {
		t.Fatalf("record = %+v", rec)
	}
	if calls, _ := s.counts(); calls != 0 {
		t.Fatalf("sender called %d times", calls)
	}
	if len(alerts.keys) != 1 {
		t.Fatalf("alerts = %v", alerts.keys)
	}
}

func TestCloseMissed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, st := newTestDispatcher(t, &scriptedSender{})
	fire := sessionItem().FireAt

	recs := []domain.DispatchRecord{
		{ID: "old", ItemKey: "schedule:1", FireAt: fire, Outcome: domain.OutcomePending},
		{ID: "current", ItemKey: "schedule:2", FireAt: fire.Add(time.Minute), Outcome: domain.OutcomePending},
		{ID: "done", ItemKey: "schedule:3", FireAt: fire, Outcome: domain.OutcomeSent, Attempts: 1},
		{ID: "test", ItemKey: "schedule:4", FireAt: fire, Outcome: domain.OutcomePending, Test: true},
	}
	for _, r := range recs {
		r.CreatedAt, r.UpdatedAt = r.FireAt, r.FireAt
		if err := st.SaveDispatch(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := d.CloseMissed(ctx, fire.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("CloseMissed = %d, %v", n, err)
	}
	want := map[string]domain.Outcome{
		"old":     domain.OutcomeFailed,
		"current": domain.OutcomePending,
		"done":    domain.OutcomeSent,
		"test":    domain.OutcomePending,
	}
	all, _ := st.ListDispatches(ctx, storage.DispatchFilter{})
	for _, r := range all {
		if r.Outcome != want[r.ID] {
			t.Fatalf("%s outcome = %s, want %s", r.ID, r.Outcome, want[r.ID])
		}
	}
}

func TestStopInterruptsRetryWait(t *testing.T) {
	t.Parallel()
	stop := make(chan struct{})
	s := &scriptedSender{
		errs:   []error{errors.New("flaky")},
		onCall: func(int) { close(stop) },
	}
	st := storage.NewMemory()
	defer st.Close()
	d := New(Options{Retry: retry.Policy{MaxAttempts: 3, Base: time.Hour, MaxDelay: time.Hour, Jitter: -1}}, s, st)

	sum := d.DispatchAll(context.Background(), stop, []evaluator.Item{sessionItem()})
	if sum.Pending != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	rec, ok, _ := st.GetDispatch(context.Background(), sessionItem().Key, sessionItem().FireAt)
	if !ok || rec.Outcome != domain.OutcomePending || rec.Attempts != 1 {
		t.Fatalf("record = %+v ok=%v", rec, ok)
	}
}

func TestReminderCarriesButtons(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{}
	st := storage.NewMemory()
	defer st.Close()
	btn := kit.Button{Text: "Configurar mi semana", Data: "configure_week"}
	d := New(Options{Retry: fast, ReminderButtons: []kit.Button{btn}}, s, st)

	cfg := domain.DefaultWeeklyReminder()
	item := evaluator.ReminderItem(time.Date(2024, 6, 16, 18, 0, 0, 0, time.UTC), cfg, domain.Student{ID: 1, Name: "Ana", ChatID: 1001, Active: true})
	if _, err := d.Dispatch(context.Background(), item); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), sessionItem()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	_, delivered := s.counts()
	if len(delivered) != 2 || len(delivered[0].buttons) != 1 || delivered[0].buttons[0] != btn {
		t.Fatalf("reminder buttons = %+v", delivered)
	}
	if len(delivered[1].buttons) != 0 {
		t.Fatalf("schedule message carried buttons: %+v", delivered[1].buttons)
	}
}

type adapterStub struct {
	to  kit.ChatTarget
	opt *kit.SendOptions
}

func (a *adapterStub) SendText(_ context.Context, to kit.ChatTarget, _ string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.to, a.opt = to, opt
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func TestAdapterSender(t *testing.T) {
	t.Parallel()
	stub := &adapterStub{}
	btn := kit.Button{Text: "x", Data: "y"}
	if err := (AdapterSender{Adapter: stub}).Send(context.Background(), 42, "hola", btn); err != nil {
		t.Fatal(err)
	}
	if stub.to.ChatID != 42 || len(stub.opt.Buttons) != 1 {
		t.Fatalf("unexpected call: %+v %+v", stub.to, stub.opt)
	}
}
