package config

// Config is the on-disk shape of the bot configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Secrets can be
// left empty in the file and supplied through the environment, see ApplyEnv.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`

	// Notifier is optional; when omitted operator alerts are enabled
	// whenever telegram.operator_chat_id is set.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig   `json:"storage"`
	Audit    AuditConfig     `json:"audit,omitempty"`
	Roster   RosterConfig    `json:"roster,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// OperatorChatID receives alerts and the Telegram log sink. Zero disables both.
	OperatorChatID int64 `json:"operator_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty" validate:"gte=0"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// SchedulerConfig controls the once-per-minute tick.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name. Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
	// ShutdownGrace bounds how long Stop waits for an in-flight tick.
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// DispatchConfig controls delivery retries and throughput.
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - max_concurrent: 4
//   - rate_per_sec: 0 (unlimited)
//   - send_timeout: "15s"
type DispatchConfig struct {
	MaxAttempts   int     `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	MaxConcurrent int     `json:"max_concurrent,omitempty" validate:"gte=0,lte=64"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

// NotifierConfig controls the operator alert pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize       int    `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax        int    `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty" validate:"gte=0"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./coachbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=sqlite sqlite3 memory mem"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AuditConfig controls the read-only HTTP surface over dispatch history.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8087").
//   - A non-loopback address requires a token or an explicit allow_insecure.
type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

type RosterConfig struct {
	// SeedFile is applied once at startup when set.
	SeedFile string `json:"seed_file,omitempty"`
	// LinkOnStart assigns a student's chat on their first /start.
	LinkOnStart *bool `json:"link_on_start,omitempty"`
}

// LinkOnStartEnabled defaults to true when unset.
func (r RosterConfig) LinkOnStartEnabled() bool {
	return r.LinkOnStart == nil || *r.LinkOnStart
}

// NotifierOrDefault returns the effective notifier section.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c.Notifier != nil {
		return *c.Notifier
	}
	return NotifierConfig{
		Enabled:         c.Telegram.OperatorChatID != 0,
		Workers:         1,
		QueueSize:       256,
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "10m",
		DedupMaxEntries: 1000,
	}
}
