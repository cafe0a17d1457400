package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. Secrets normally live here
// rather than in the config file.
const (
	EnvTelegramToken  = "COACHBOT_TELEGRAM_TOKEN"
	EnvOperatorChatID = "COACHBOT_OPERATOR_CHAT_ID"
	EnvAuditToken     = "COACHBOT_AUDIT_TOKEN"
	EnvStoragePath    = "COACHBOT_STORAGE_PATH"
	EnvTimezone       = "COACHBOT_TIMEZONE"
	EnvLogLevel       = "COACHBOT_LOG_LEVEL"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg using lookup
// (os.LookupEnv when nil).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvOperatorChatID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.New(EnvOperatorChatID + ": invalid chat id " + strconv.Quote(v))
		}
		cfg.Telegram.OperatorChatID = id
	}
	if v, ok := get(EnvAuditToken); ok {
		cfg.Audit.Token = v
	}
	if v, ok := get(EnvStoragePath); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvTimezone); ok {
		cfg.Scheduler.Timezone = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	return nil
}
