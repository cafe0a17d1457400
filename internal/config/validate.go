package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report json keys ("dispatch.max_attempts") rather than Go field names.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct constraints and every field that is parsed later
// (durations, timezone). A config that passes can be mapped without errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				ns := strings.TrimPrefix(fe.Namespace(), "Config.")
				if fe.Param() != "" {
					parts = append(parts, fmt.Sprintf("%s: failed %s=%s", ns, fe.Tag(), fe.Param()))
				} else {
					parts = append(parts, fmt.Sprintf("%s: failed %s", ns, fe.Tag()))
				}
			}
			return errors.New(strings.Join(parts, "; "))
		}
		return err
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace},
		{"dispatch.retry_base", cfg.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"audit.read_timeout", cfg.Audit.ReadTimeout},
		{"audit.write_timeout", cfg.Audit.WriteTimeout},
	}
	if cfg.Notifier != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", cfg.Notifier.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", cfg.Notifier.DedupWindow},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return errors.New("logging.file.path is required when logging.file.enabled")
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.OperatorChatID == 0 {
		return errors.New("logging.telegram.enabled requires telegram.operator_chat_id")
	}
	return nil
}
