// Package scheduler runs the minute tick: load a snapshot, evaluate what is
// due and hand it to the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"coachbot/internal/clock"
	"coachbot/internal/dispatch"
	"coachbot/internal/evaluator"
	"coachbot/internal/eventbus"
	"coachbot/internal/storage"
	logx "coachbot/pkg/logx"
)

// ErrTickInProgress is returned when a tick starts while another is running.
var ErrTickInProgress = errors.New("tick already in progress")

type Config struct {
	Enabled       bool
	Timezone      string
	ShutdownGrace time.Duration
}

// Dispatcher is the part of dispatch.Dispatcher the tick needs.
type Dispatcher interface {
	DispatchAll(ctx context.Context, stop <-chan struct{}, items []evaluator.Item) dispatch.Summary
	CloseMissed(ctx context.Context, before time.Time) (int, error)
}

// TickReport summarises one tick.
type TickReport struct {
	At          time.Time     `json:"at"`
	Due         int           `json:"due"`
	Skipped     int           `json:"skipped"`
	Sent        int           `json:"sent"`
	Failed      int           `json:"failed"`
	Duplicates  int           `json:"duplicates"`
	Pending     int           `json:"pending"`
	NotAdmitted int           `json:"not_admitted,omitempty"`
	Missed      int           `json:"missed,omitempty"`
	Took        time.Duration `json:"took"`
	Error       string        `json:"error,omitempty"`
}

type alerterBox struct{ a dispatch.Alerter }

type Service struct {
	store storage.Store
	disp  Dispatcher
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	alert atomic.Pointer[alerterBox]

	last atomic.Pointer[TickReport]

	mu  sync.Mutex
	cfg Config

	// token is the single-slot run-in-progress guard. Start replaces it
	// after a Stop, so read it under mu.
	token     chan struct{}
	running   bool
	loc       *time.Location
	c         *cron.Cron
	stop      chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, store storage.Store, disp Dispatcher, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		store: store,
		disp:  disp,
		clock: clk,
		log:   log,
		bus:   bus,
		token: make(chan struct{}, 1),
		cfg:   cfg,
		stop:  make(chan struct{}),
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.loc = s.loadLocationLocked()
	return s
}

// SetAlerter routes aborted ticks to the operator.
func (s *Service) SetAlerter(a dispatch.Alerter) {
	if a == nil {
		s.alert.Store(nil)
		return
	}
	s.alert.Store(&alerterBox{a: a})
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Last returns the most recent tick report.
func (s *Service) Last() (TickReport, bool) {
	r := s.last.Load()
	if r == nil {
		return TickReport{}, false
	}
	return *r, true
}

// Start begins firing at every wall-clock minute in the operating timezone.
// In-flight sends outlive ctx until Stop's grace period ends. A disabled
// service stays idle until Apply enables it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	select {
	case <-s.stop:
		// Restarted after Stop: reopen admission and release the guard.
		s.stop = make(chan struct{})
		s.token = make(chan struct{}, 1)
	default:
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.loc = s.loadLocationLocked()
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.startCronLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()))
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithLocation(s.loc))
	runCtx := s.runCtx
	_, _ = s.c.AddFunc("* * * * *", func() {
		if _, err := s.Tick(runCtx); errors.Is(err, ErrTickInProgress) {
			s.log.Warn("previous tick still running, minute dropped")
		}
	})
	s.c.Start()
}

// Apply swaps the config of a running service. Toggling Enabled starts or
// stops the minute trigger; a tick already running finishes. A timezone
// change restarts the trigger in the new zone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocationLocked()
	}

	switch {
	case !cfg.Enabled:
		if s.c != nil {
			s.c.Stop()
			s.c = nil
			s.log.Info("scheduler disabled")
		}
	case !s.running:
	case s.c == nil:
		s.startCronLocked()
		s.log.Info("service started", logx.String("tz", s.loc.String()))
	case oldTZ != strings.TrimSpace(cfg.Timezone):
		// Don't wait for a running tick; it finishes under the old cron.
		s.c.Stop()
		s.startCronLocked()
		s.log.Info("service restarted", logx.String("tz", s.loc.String()))
	}
}

// Stop closes admission, waits up to ShutdownGrace for a running tick and
// then cancels in-flight sends.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return nil
	default:
	}
	c := s.c
	s.c = nil
	s.running = false
	close(s.stop)
	cancel := s.runCancel
	grace := s.cfg.ShutdownGrace
	token := s.token
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case token <- struct{}{}:
		// Held until Start so no late cron job can begin a tick.
		cancel()
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-timer.C:
		s.log.Warn("tick still running after grace period, cancelling sends", logx.Duration("grace", grace))
	case <-ctx.Done():
	}
	cancel()

	select {
	case token <- struct{}{}:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick evaluates the current minute once. A failed snapshot load aborts
// the whole tick; the next minute starts fresh.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	s.mu.Lock()
	token, loc, stop := s.token, s.loc, s.stop
	s.mu.Unlock()

	select {
	case token <- struct{}{}:
	default:
		return TickReport{}, ErrTickInProgress
	}
	defer func() { <-token }()

	start := time.Now()
	now := s.clock.Now().In(loc)
	rep := TickReport{At: now.Truncate(time.Minute)}
	log := s.log.With(logx.Time("tick", rep.At))

	snap, err := evaluator.Load(ctx, s.store)
	if err != nil {
		rep.Error = err.Error()
		rep.Took = time.Since(start)
		s.finish(rep)
		log.Error("tick aborted", logx.Err(err))
		if box := s.alert.Load(); box != nil {
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if aerr := box.a.Alert(actx, "scheduler:snapshot", "Tick aborted, could not load the roster: "+err.Error()); aerr != nil {
				log.Warn("alert failed", logx.Err(aerr))
			}
			cancel()
		}
		return rep, err
	}

	// Pending records from earlier minutes will never be resumed.
	if n, err := s.disp.CloseMissed(ctx, rep.At); err != nil {
		log.Warn("close missed dispatches", logx.Err(err))
	} else if n > 0 {
		rep.Missed = n
		log.Warn("pending dispatches closed as missed", logx.Int("count", n))
	}

	res := evaluator.Evaluate(now, snap)
	for _, sk := range res.Skipped {
		log.Info("item skipped",
			logx.String("item", sk.Key),
			logx.Int64("student_id", sk.StudentID),
			logx.String("reason", sk.Reason()),
		)
	}
	rep.Due = len(res.Items)
	rep.Skipped = len(res.Skipped)

	if len(res.Items) > 0 {
		sum := s.disp.DispatchAll(ctx, stop, res.Items)
		rep.Sent = sum.Sent
		rep.Failed = sum.Failed
		rep.Duplicates = sum.Duplicates
		rep.Pending = sum.Pending
		rep.NotAdmitted = sum.NotAdmitted
	}
	rep.Took = time.Since(start)
	s.finish(rep)

	if rep.Due > 0 || rep.Skipped > 0 {
		log.Info("tick done",
			logx.Int("due", rep.Due),
			logx.Int("skipped", rep.Skipped),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Int("duplicates", rep.Duplicates),
			logx.Int("pending", rep.Pending),
			logx.Int("not_admitted", rep.NotAdmitted),
			logx.Duration("took", rep.Took),
		)
	}
	return rep, nil
}

func (s *Service) finish(rep TickReport) {
	s.last.Store(&rep)
	s.bus.Publish(eventbus.Event{Type: eventbus.TickDone, Data: rep})
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
