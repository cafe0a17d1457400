package domain

import (
	"fmt"
	"time"
)

type ItemKind string

const (
	KindSchedule       ItemKind = "schedule"
	KindWeeklyReminder ItemKind = "weekly_reminder"
)

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
)

func (o Outcome) Terminal() bool { return o == OutcomeSent || o == OutcomeFailed }

// DispatchRecord is the persisted result of delivering one item for one
// fire minute. (ItemKey, FireAt) identifies it for non-test sends.
type DispatchRecord struct {
	ID         string    `json:"id"`
	ItemKey    string    `json:"item_key"`
	Kind       ItemKind  `json:"kind"`
	ScheduleID int64     `json:"schedule_id,omitempty"`
	StudentID  int64     `json:"student_id"`
	ChatID     int64     `json:"chat_id"`
	FireAt     time.Time `json:"fire_at"`
	Text       string    `json:"text,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	Test       bool      `json:"test,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScheduleKey is the item identity of a message schedule.
func ScheduleKey(scheduleID int64) string { return fmt.Sprintf("schedule:%d", scheduleID) }

// ReminderKey is the item identity of the weekly reminder for one student.
func ReminderKey(studentID int64) string { return fmt.Sprintf("weekly_reminder:%d", studentID) }
