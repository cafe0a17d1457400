package config

import (
	"sort"
	"strings"

	logx "coachbot/pkg/logx"
)

// Section names reported by SummarizeChange.
const (
	SectionTelegram  = "telegram"
	SectionLogging   = "logging"
	SectionScheduler = "scheduler"
	SectionDispatch  = "dispatch"
	SectionNotifier  = "notifier"
	SectionStorage   = "storage"
	SectionAudit     = "audit"
	SectionRoster    = "roster"
)

// RestartRequired reports changes that only take effect on the next start:
// the storage backend, the bot token and its polling, and the seed file.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, SectionStorage)
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		out = append(out, SectionTelegram)
	}
	if strings.TrimSpace(oldCfg.Roster.SeedFile) != strings.TrimSpace(newCfg.Roster.SeedFile) {
		out = append(out, SectionRoster)
	}
	return out
}

// SummarizeChange returns the sorted list of changed sections and log
// fields describing the new values. Tokens are never included; only
// whether one is set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	trim := strings.TrimSpace

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.OperatorChatID != nt.OperatorChatID || trim(ot.PollTimeout) != trim(nt.PollTimeout) {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.operator_set", nt.OperatorChatID != 0),
			logx.String("telegram.poll_timeout", trim(nt.PollTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, SectionScheduler)
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", trim(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.shutdown_grace", trim(newCfg.Scheduler.ShutdownGrace)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		changed = append(changed, SectionDispatch)
		attrs = append(attrs,
			logx.Int("dispatch.max_attempts", d.MaxAttempts),
			logx.Int("dispatch.max_concurrent", d.MaxConcurrent),
			logx.Float64("dispatch.rate_per_sec", d.RatePerSec),
			logx.String("dispatch.send_timeout", trim(d.SendTimeout)),
		)
	}

	if on, nn := oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault(); on != nn {
		changed = append(changed, SectionNotifier)
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.String("notifier.dedup_window", trim(nn.DedupWindow)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, SectionStorage)
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", trim(newCfg.Storage.Path) != ""),
		)
	}

	oa, na := oldCfg.Audit, newCfg.Audit
	if oa.Enabled != na.Enabled || trim(oa.Addr) != trim(na.Addr) || oa.AllowInsecure != na.AllowInsecure ||
		oa.Token != na.Token || trim(oa.ReadTimeout) != trim(na.ReadTimeout) || trim(oa.WriteTimeout) != trim(na.WriteTimeout) {
		changed = append(changed, SectionAudit)
		attrs = append(attrs,
			logx.Bool("audit.enabled", na.Enabled),
			logx.String("audit.addr", trim(na.Addr)),
			logx.Bool("audit.token_set", trim(na.Token) != ""),
			logx.Bool("audit.allow_insecure", na.AllowInsecure),
		)
	}

	if trim(oldCfg.Roster.SeedFile) != trim(newCfg.Roster.SeedFile) ||
		oldCfg.Roster.LinkOnStartEnabled() != newCfg.Roster.LinkOnStartEnabled() {
		changed = append(changed, SectionRoster)
		attrs = append(attrs,
			logx.String("roster.seed_file", trim(newCfg.Roster.SeedFile)),
			logx.Bool("roster.link_on_start", newCfg.Roster.LinkOnStartEnabled()),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
