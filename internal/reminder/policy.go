// Package reminder decides when the weekly broadcast fires and which body
// it carries.
package reminder

import (
	"time"

	"coachbot/internal/domain"
)

// Variant selects the weekly reminder body.
type Variant int

const (
	FullWeek Variant = iota
	MondayOff
)

func (v Variant) String() string {
	if v == MondayOff {
		return "monday_off"
	}
	return "full_week"
}

// VariantOf is driven only by the IsMondayOff flag.
func VariantOf(cfg domain.WeeklyReminderConfig) Variant {
	if cfg.IsMondayOff {
		return MondayOff
	}
	return FullWeek
}

// Body returns the unrendered text for the selected variant.
func Body(cfg domain.WeeklyReminderConfig) string {
	switch VariantOf(cfg) {
	case MondayOff:
		return cfg.MessageMondayOff
	default:
		return cfg.MessageFullWeek
	}
}

type Policy struct {
	cfg domain.WeeklyReminderConfig
	ok  bool
}

// NewPolicy wraps the stored config. ok=false means none is stored.
func NewPolicy(cfg domain.WeeklyReminderConfig, ok bool) Policy {
	return Policy{cfg: cfg, ok: ok}
}

func (p Policy) Config() (domain.WeeklyReminderConfig, bool) { return p.cfg, p.ok }

// Due reports whether the reminder fires at now, which must already be in
// the operating timezone.
func (p Policy) Due(now time.Time) (domain.WeeklyReminderConfig, bool) {
	if !p.ok || !p.cfg.Active {
		return domain.WeeklyReminderConfig{}, false
	}
	if domain.WeekdayOf(now) != p.cfg.Weekday || now.Hour() != p.cfg.Hour || now.Minute() != p.cfg.Minute {
		return domain.WeeklyReminderConfig{}, false
	}
	return p.cfg, true
}
