// Package dispatch delivers due items exactly once per (item, fire minute)
// with bounded retry, and records every outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"coachbot/internal/clock"
	"coachbot/internal/domain"
	"coachbot/internal/evaluator"
	"coachbot/internal/eventbus"
	"coachbot/internal/render"
	"coachbot/internal/retry"
	"coachbot/internal/storage"
	kit "coachbot/internal/transport"
	logx "coachbot/pkg/logx"
)

// Sender delivers one rendered message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, buttons ...kit.Button) error
}

// TextSender is the outbound half of a transport adapter.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// AdapterSender bridges a transport adapter to Sender.
type AdapterSender struct {
	Adapter TextSender
}

func (s AdapterSender) Send(ctx context.Context, chatID int64, text string, buttons ...kit.Button) error {
	_, err := s.Adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{Buttons: buttons})
	return err
}

// Alerter reaches the operator when an item ends up failed.
type Alerter interface {
	Alert(ctx context.Context, key, text string) error
}

type Options struct {
	Retry         retry.Policy
	MaxConcurrent int
	// RatePerSec bounds sends across all workers. Zero means unlimited.
	RatePerSec  float64
	SendTimeout time.Duration
	// ReminderButtons are attached to weekly reminder messages.
	ReminderButtons []kit.Button
}

func (o Options) withDefaults() Options {
	o.Retry = o.Retry.WithDefaults()
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	return o
}

type Option func(*Dispatcher)

func WithAlerter(a Alerter) Option { return func(d *Dispatcher) { d.alerts = a } }
func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }
func WithClock(c clock.Clock) Option { return func(d *Dispatcher) { d.clock = c } }
func WithLogger(l logx.Logger) Option { return func(d *Dispatcher) { d.log = l } }
func WithIDs(fn func() string) Option { return func(d *Dispatcher) { d.newID = fn } }

type Dispatcher struct {
	sender  Sender
	records storage.DispatchLog
	alerts  Alerter
	bus     eventbus.Bus
	clock   clock.Clock
	log     logx.Logger
	newID   func() string

	mu      sync.Mutex
	opts    Options
	limiter *rate.Limiter
	rng     *rand.Rand
}

func New(opts Options, sender Sender, records storage.DispatchLog, options ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		records: records,
		clock:   clock.System{},
		bus:     eventbus.Nop{},
		newID:   uuid.NewString,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range options {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.Apply(opts)
	return d
}

// Apply swaps options for dispatches that start afterwards.
func (d *Dispatcher) Apply(opts Options) {
	opts = opts.withDefaults()
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), max(1, int(opts.RatePerSec)))
	}
	d.mu.Lock()
	d.opts = opts
	d.limiter = lim
	d.mu.Unlock()
}

func (d *Dispatcher) options() (Options, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts, d.limiter
}

func (d *Dispatcher) delay(p retry.Policy, n int, err error) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return p.Delay(n, err, d.rng)
}

// Summary counts the outcomes of one DispatchAll call.
type Summary struct {
	Sent        int
	Failed      int
	Duplicates  int
	Pending     int
	NotAdmitted int
	Records     []domain.DispatchRecord
}

func (s *Summary) add(rec domain.DispatchRecord, err error) {
	switch {
	case errors.Is(err, ErrNotAdmitted):
		s.NotAdmitted++
		if rec.ID == "" {
			return
		}
	case errors.Is(err, ErrDuplicate):
		s.Duplicates++
	case rec.Outcome == domain.OutcomeSent:
		s.Sent++
	case rec.Outcome == domain.OutcomeFailed:
		s.Failed++
	default:
		s.Pending++
	}
	s.Records = append(s.Records, rec)
}

// Dispatch delivers one item. It returns ErrDuplicate when the item already
// reached a terminal outcome for its fire minute.
func (d *Dispatcher) Dispatch(ctx context.Context, item evaluator.Item) (domain.DispatchRecord, error) {
	return d.dispatch(ctx, nil, item, false)
}

// SendTest delivers item outside idempotency. The record is marked Test.
func (d *Dispatcher) SendTest(ctx context.Context, item evaluator.Item) (domain.DispatchRecord, error) {
	return d.dispatch(ctx, nil, item, true)
}

// DispatchAll admits items in order, at most MaxConcurrent in flight.
// Closing stop admits nothing further and cuts retry waits short; ctx is the
// hard deadline for sends in flight.
func (d *Dispatcher) DispatchAll(ctx context.Context, stop <-chan struct{}, items []evaluator.Item) Summary {
	opts, _ := d.options()
	sem := make(chan struct{}, opts.MaxConcurrent)
	recs := make([]domain.DispatchRecord, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup

admit:
	for i, item := range items {
		if stopped(ctx, stop) {
			markNotAdmitted(errs[i:])
			break
		}
		select {
		case sem <- struct{}{}:
			// stop may have closed while waiting for the slot.
			if stopped(ctx, stop) {
				<-sem
				markNotAdmitted(errs[i:])
				break admit
			}
		case <-stop:
			markNotAdmitted(errs[i:])
			break admit
		case <-ctx.Done():
			markNotAdmitted(errs[i:])
			break admit
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			recs[i], errs[i] = d.dispatch(ctx, stop, item, false)
		}()
	}
	wg.Wait()

	for i, item := range items {
		if errors.Is(errs[i], ErrNotAdmitted) {
			recs[i] = d.leavePending(ctx, item)
		}
	}

	var sum Summary
	for i := range items {
		sum.add(recs[i], errs[i])
	}
	if sum.NotAdmitted > 0 {
		d.log.Warn("items not admitted, left pending", logx.Int("count", sum.NotAdmitted))
	}
	return sum
}

func markNotAdmitted(errs []error) {
	for i := range errs {
		errs[i] = ErrNotAdmitted
	}
}

// leavePending records an item that was never started so a later tick in
// the same minute can resume it. Existing records are left as they are.
func (d *Dispatcher) leavePending(ctx context.Context, item evaluator.Item) domain.DispatchRecord {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	log := d.log.With(logx.String("item", item.Key), logx.Time("fire_at", item.FireAt))
	rec, resumed, err := d.begin(lctx, item, false)
	switch {
	case errors.Is(err, ErrDuplicate), resumed:
		return rec
	case err != nil:
		log.Error("record unadmitted item", logx.Err(err))
		return domain.DispatchRecord{}
	}
	d.save(lctx, log, rec)
	return rec
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, stop <-chan struct{}, item evaluator.Item, test bool) (domain.DispatchRecord, error) {
	opts, lim := d.options()
	log := d.log.With(
		logx.String("item", item.Key),
		logx.Time("fire_at", item.FireAt),
		logx.Int64("student_id", item.Student.ID),
		logx.Bool("test", test),
	)

	rec, resumed, err := d.begin(ctx, item, test)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			log.Info("duplicate dispatch skipped", logx.String("outcome", string(rec.Outcome)))
			d.publish(eventbus.DispatchDuplicate, rec)
		}
		return rec, err
	}
	if resumed {
		if missed(rec, d.clock.Now()) {
			return d.closeMissed(ctx, log, rec), ErrMissedWindow
		}
		log.Info("resuming pending dispatch", logx.Int("attempts", rec.Attempts))
	}

	text, err := render.Render(item.Content, item.Vars)
	if err != nil {
		_ = failWithoutAttempt(&rec, err, d.clock.Now())
		d.save(ctx, log, rec)
		log.Error("render failed", logx.Err(err))
		d.failed(ctx, rec)
		return rec, err
	}
	rec.Text = text

	var buttons []kit.Button
	if item.Kind == domain.KindWeeklyReminder {
		buttons = opts.ReminderButtons
	}

	for {
		if rec.Attempts >= opts.Retry.MaxAttempts {
			// A resumed record may already have used its budget.
			_ = failWithoutAttempt(&rec, errors.New("retries exhausted"), d.clock.Now())
			d.save(ctx, log, rec)
			d.failed(ctx, rec)
			return rec, fmt.Errorf("%w: %s", ErrSend, rec.LastError)
		}
		if err := lim.Wait(ctx); err != nil {
			d.save(ctx, log, rec)
			return rec, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}

		sendCtx, cancel := context.WithTimeout(ctx, opts.SendTimeout)
		sendErr := d.sender.Send(sendCtx, item.Student.ChatID, text, buttons...)
		cancel()
		if sendErr != nil {
			sendErr = fmt.Errorf("%w: %w", ErrSend, sendErr)
		}

		again, _ := recordAttempt(&rec, sendErr, opts.Retry.MaxAttempts, d.clock.Now())
		d.save(ctx, log, rec)

		switch {
		case rec.Outcome == domain.OutcomeSent:
			log.Info("message sent", logx.Int("attempts", rec.Attempts))
			d.publish(eventbus.DispatchSent, rec)
			return rec, nil
		case !again:
			log.Error("dispatch failed", logx.Int("attempts", rec.Attempts), logx.Err(sendErr))
			d.failed(ctx, rec)
			return rec, sendErr
		}

		wait := d.delay(opts.Retry, rec.Attempts, sendErr)
		log.Warn("send failed, retrying", logx.Int("attempt", rec.Attempts), logx.Duration("backoff", wait), logx.Err(sendErr))
		d.publish(eventbus.DispatchRetry, rec)
		if err := sleep(ctx, stop, wait); err != nil {
			log.Warn("retry wait interrupted, record left pending", logx.Int("attempts", rec.Attempts))
			return rec, err
		}
	}
}

// begin loads or creates the record for item.
func (d *Dispatcher) begin(ctx context.Context, item evaluator.Item, test bool) (rec domain.DispatchRecord, resumed bool, err error) {
	if !test {
		existing, ok, err := d.records.GetDispatch(ctx, item.Key, item.FireAt)
		if err != nil {
			return domain.DispatchRecord{}, false, fmt.Errorf("idempotency lookup: %w", err)
		}
		if ok {
			if existing.Outcome.Terminal() {
				return existing, false, ErrDuplicate
			}
			return existing, true, nil
		}
	}
	now := d.clock.Now()
	return domain.DispatchRecord{
		ID:         d.newID(),
		ItemKey:    item.Key,
		Kind:       item.Kind,
		ScheduleID: item.ScheduleID,
		StudentID:  item.Student.ID,
		ChatID:     item.Student.ChatID,
		FireAt:     item.FireAt.Truncate(time.Minute),
		Outcome:    domain.OutcomePending,
		Test:       test,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, false, nil
}

// save persists rec even after ctx is cancelled so that shutdown leaves an
// accurate log behind.
func (d *Dispatcher) save(ctx context.Context, log logx.Logger, rec domain.DispatchRecord) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.records.SaveDispatch(sctx, rec); err != nil {
		log.Error("persist dispatch record", logx.String("record_id", rec.ID), logx.Err(err))
	}
}

// missed reports whether a pending record belongs to a minute that has
// already passed.
func missed(rec domain.DispatchRecord, now time.Time) bool {
	return !rec.Test && rec.Outcome == domain.OutcomePending && rec.FireAt.Before(now.Truncate(time.Minute))
}

func (d *Dispatcher) closeMissed(ctx context.Context, log logx.Logger, rec domain.DispatchRecord) domain.DispatchRecord {
	if err := failWithoutAttempt(&rec, ErrMissedWindow, d.clock.Now()); err != nil {
		return rec
	}
	d.save(ctx, log, rec)
	log.Warn("pending dispatch missed its minute", logx.Int("attempts", rec.Attempts))
	d.failed(ctx, rec)
	return rec
}

// CloseMissed fails every pending record whose fire minute is before
// before. It returns how many were closed.
func (d *Dispatcher) CloseMissed(ctx context.Context, before time.Time) (int, error) {
	recs, err := d.records.ListDispatches(ctx, storage.DispatchFilter{Outcome: domain.OutcomePending, Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if !missed(rec, before) {
			continue
		}
		log := d.log.With(
			logx.String("item", rec.ItemKey),
			logx.Time("fire_at", rec.FireAt),
			logx.Int64("student_id", rec.StudentID),
		)
		d.closeMissed(ctx, log, rec)
		n++
	}
	return n, nil
}

func (d *Dispatcher) failed(ctx context.Context, rec domain.DispatchRecord) {
	d.publish(eventbus.DispatchFailed, rec)
	if d.alerts == nil || rec.Test {
		return
	}
	text := fmt.Sprintf("Dispatch failed: %s at %s for student %d after %d attempts: %s",
		rec.ItemKey, rec.FireAt.Format("2006-01-02 15:04"), rec.StudentID, rec.Attempts, rec.LastError)
	if err := d.alerts.Alert(context.WithoutCancel(ctx), "dispatch:"+rec.ItemKey, text); err != nil {
		d.log.Debug("operator alert not queued", logx.Err(err))
	}
}

func (d *Dispatcher) publish(typ string, rec domain.DispatchRecord) {
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.clock.Now(), Data: rec})
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-stop:
		return ErrInterrupted
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}
