package app

import (
	"context"
	"strings"
	"time"

	"coachbot/internal/config"
	logx "coachbot/pkg/logx"
)

// reloadLoop applies published configs to the running components. Bursts
// are coalesced to the latest config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		if next == nil {
			continue
		}
		a.apply(ctx, last, next)
		last = next
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if dopts, err := mapDispatch(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dopts)
	}

	if ncfg, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch nowEnabled := a.notif.Enabled(); {
		case wasEnabled && !nowEnabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && nowEnabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if scfg, err := mapScheduler(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		if wasEnabled := a.sched.Enabled(); wasEnabled != scfg.Enabled {
			a.log.Info("scheduler toggled via config", logx.Bool("enabled", scfg.Enabled))
		}
		a.sched.Apply(scfg)
	}

	if acfg, err := mapAudit(next); err != nil {
		a.log.Warn("invalid audit config; keeping previous", logx.Err(err))
	} else {
		a.audit.Reconfigure(ctx, acfg)
	}

	a.linker.SetLinking(next.Roster.LinkOnStartEnabled())

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
