package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"coachbot/internal/audit"
	"coachbot/internal/clock"
	"coachbot/internal/config"
	"coachbot/internal/dispatch"
	"coachbot/internal/eventbus"
	"coachbot/internal/notifier"
	"coachbot/internal/roster"
	"coachbot/internal/runtime/supervisor"
	"coachbot/internal/scheduler"
	"coachbot/internal/storage"
	kit "coachbot/internal/transport"
	telegram "coachbot/internal/transport/telegram/adapter"
	logx "coachbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	fs    afero.Fs

	adapter kit.Adapter
	linker  *roster.Linker
	notif   *notifier.Service
	disp    *dispatch.Dispatcher
	sched   *scheduler.Service
	audit   *audit.Server

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgm *config.Manager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tc, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tc, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), ad)

	bus := eventbus.New()

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	closeOnErr := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")))

	dopts, err := mapDispatch(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	disp := dispatch.New(dopts, dispatch.AdapterSender{Adapter: ad}, store,
		dispatch.WithAlerter(notif),
		dispatch.WithBus(bus),
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithIDs(uuid.NewString),
	)

	scfg, err := mapScheduler(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	sched := scheduler.New(scfg, store, disp, clock.System{}, log.With(logx.String("comp", "scheduler")), bus)
	sched.SetAlerter(notif)

	acfg, err := mapAudit(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	api := &audit.API{
		Store:    store,
		Tester:   disp,
		Ticks:    sched,
		Alerts:   notif,
		Clock:    clock.System{},
		Location: sched.Location,
		Log:      log.With(logx.String("comp", "audit")),
	}
	auditSrv := audit.NewServer(acfg, api.Handler(), log.With(logx.String("comp", "audit")))

	linker := roster.NewLinker(store, ad, log.With(logx.String("comp", "roster")), bus)
	linker.SetLinking(cfg.Roster.LinkOnStartEnabled())

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		fs:      afero.NewOsFs(),
		adapter: ad,
		linker:  linker,
		notif:   notif,
		disp:    disp,
		sched:   sched,
		audit:   auditSrv,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	cfg := a.cfgm.Get()
	if seed := strings.TrimSpace(cfg.Roster.SeedFile); seed != "" {
		sctx, cancel := context.WithTimeout(runCtx, 30*time.Second)
		_, err := ApplySeed(sctx, a.fs, seed, a.store, a.log)
		cancel()
		if err != nil {
			return fmt.Errorf("roster seed: %w", err)
		}
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		// Every mapper must accept the new config before anything is applied.
		if _, err := mapScheduler(next); err != nil {
			return err
		}
		if _, err := mapDispatch(next); err != nil {
			return err
		}
		if _, err := mapNotifier(next); err != nil {
			return err
		}
		_, err := mapAudit(next)
		return err
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go0("roster.linker", func(c context.Context) { a.linker.Run(c, a.updates) })

	a.notif.Start(runCtx)
	a.sched.Start(runCtx)
	a.audit.Start(runCtx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.String("tz", a.sched.Location().String()),
	)
	return nil
}

// Stop shuts components down in dependency order, each step bounded so one
// component cannot stall the rest. The scheduler goes first so in-flight
// sends get their grace period while the adapter is still up.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	grace := 10 * time.Second
	if sc, err := mapScheduler(a.cfgm.Get()); err == nil {
		grace = sc.ShutdownGrace
	}

	a.step(ctx, "scheduler", grace+2*time.Second, a.sched.Stop)
	a.step(ctx, "audit", time.Second, func(c context.Context) error { a.audit.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound that never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
