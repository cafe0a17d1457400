package app

import (
	"strings"
	"time"

	"coachbot/internal/audit"
	"coachbot/internal/config"
	"coachbot/internal/dispatch"
	"coachbot/internal/notifier"
	"coachbot/internal/retry"
	"coachbot/internal/roster"
	"coachbot/internal/scheduler"
	"coachbot/internal/storage"
	kit "coachbot/internal/transport"
	telegram "coachbot/internal/transport/telegram/adapter"
	logx "coachbot/pkg/logx"
)

// The mappers below turn file config into component config. config.Validate
// has already parsed every duration, so errors here mean a caller skipped it.

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.OperatorChatID != 0,
			ChatID:     cfg.Telegram.OperatorChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace, 10*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		ShutdownGrace: grace,
	}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Options, error) {
	d := cfg.Dispatch
	base, err := config.ParseDurationField("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Options{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Options{}, err
	}
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Options{}, err
	}
	return dispatch.Options{
		Retry:           retry.Policy{MaxAttempts: d.MaxAttempts, Base: base, MaxDelay: maxDelay},
		MaxConcurrent:   d.MaxConcurrent,
		RatePerSec:      d.RatePerSec,
		SendTimeout:     sendTimeout,
		ReminderButtons: []kit.Button{roster.ConfigureWeekButton},
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.NotifierOrDefault()
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		ChatID:          cfg.Telegram.OperatorChatID,
		ThreadID:        cfg.Logging.Telegram.ThreadID,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		Retry:           retry.Policy{MaxAttempts: n.RetryMax, Base: base, MaxDelay: maxDelay},
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapAudit(cfg *config.Config) (audit.Config, error) {
	a := cfg.Audit
	rt, err := config.ParseDurationField("audit.read_timeout", a.ReadTimeout)
	if err != nil {
		return audit.Config{}, err
	}
	wt, err := config.ParseDurationField("audit.write_timeout", a.WriteTimeout)
	if err != nil {
		return audit.Config{}, err
	}
	return audit.Config{
		Enabled:       a.Enabled,
		Addr:          strings.TrimSpace(a.Addr),
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}
