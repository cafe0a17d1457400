package domain

import (
	"fmt"
	"strings"
)

// Student is a message recipient. ChatID stays 0 until the student first
// talks to the bot.
type Student struct {
	ID       int64  `json:"id" yaml:"id" validate:"gt=0"`
	Name     string `json:"name" yaml:"name" validate:"required"`
	Username string `json:"username,omitempty" yaml:"username"`
	ChatID   int64  `json:"chat_id,omitempty" yaml:"chat_id"`
	Active   bool   `json:"active" yaml:"active"`
}

// Reachable reports whether the student has a delivery address.
func (s Student) Reachable() bool { return s.ChatID != 0 }

func (s Student) DisplayName() string {
	u := strings.TrimPrefix(strings.TrimSpace(s.Username), "@")
	if u == "" {
		return s.Name
	}
	return fmt.Sprintf("%s (@%s)", s.Name, u)
}

type Template struct {
	ID        int64    `json:"id" yaml:"id" validate:"gt=0"`
	Name      string   `json:"name" yaml:"name" validate:"required"`
	Content   string   `json:"content" yaml:"content" validate:"required"`
	Variables []string `json:"variables,omitempty" yaml:"variables"`
	Active    bool     `json:"active" yaml:"active"`
}

// MessageSchedule sends one template to one student at a fixed local time
// on a set of weekdays.
type MessageSchedule struct {
	ID         int64             `json:"id" yaml:"id" validate:"gt=0"`
	TemplateID int64             `json:"template_id" yaml:"template_id" validate:"gt=0"`
	StudentID  int64             `json:"student_id" yaml:"student_id" validate:"gt=0"`
	Hour       int               `json:"hour" yaml:"hour" validate:"gte=0,lte=23"`
	Minute     int               `json:"minute" yaml:"minute" validate:"gte=0,lte=59"`
	Weekdays   []Weekday         `json:"weekdays" yaml:"weekdays" validate:"min=1,dive,gte=0,lte=6"`
	Variables  map[string]string `json:"variables,omitempty" yaml:"variables"`
	Active     bool              `json:"active" yaml:"active"`
}

func (m MessageSchedule) OnWeekday(d Weekday) bool {
	for _, w := range m.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// TrainingDayConfig is the calendar entry for one weekday.
type TrainingDayConfig struct {
	Weekday     Weekday `json:"weekday" yaml:"weekday" validate:"gte=0,lte=6"`
	SessionType string  `json:"session_type" yaml:"session_type" validate:"required"`
	Location    string  `json:"location" yaml:"location" validate:"required"`
}

// Session is what a calendar lookup resolves to.
type Session struct {
	SessionType string
	Location    string
}

const (
	DefaultReminderFullWeek  = "Hola muy buenas noches, espero estés bien, ¿para esta semana como te gustaría programar tu semana de entrenamiento personalizado?\n\nQuedo atento a tu respuesta."
	DefaultReminderMondayOff = "Hola hola buenas noches espero estés bien, quiera saber esta semana qué días y hora deseas tus entrenamientos.\n\nEl día de mañana lunes no estaré activo en REPS GYM\n\nQuedo atento a tu mensaje."
)

// WeeklyReminderConfig is the singleton broadcast sent to every active
// student once a week.
type WeeklyReminderConfig struct {
	Weekday          Weekday `json:"weekday" yaml:"weekday" validate:"gte=0,lte=6"`
	Hour             int     `json:"hour" yaml:"hour" validate:"gte=0,lte=23"`
	Minute           int     `json:"minute" yaml:"minute" validate:"gte=0,lte=59"`
	MessageFullWeek  string  `json:"message_full_week" yaml:"message_full_week" validate:"required"`
	MessageMondayOff string  `json:"message_monday_off" yaml:"message_monday_off" validate:"required"`
	IsMondayOff      bool    `json:"is_monday_off" yaml:"is_monday_off"`
	Active           bool    `json:"active" yaml:"active"`
}

// DefaultWeeklyReminder is used when no reminder row has been stored yet.
func DefaultWeeklyReminder() WeeklyReminderConfig {
	return WeeklyReminderConfig{
		Weekday:          Sunday,
		Hour:             18,
		Minute:           0,
		MessageFullWeek:  DefaultReminderFullWeek,
		MessageMondayOff: DefaultReminderMondayOff,
		Active:           true,
	}
}
