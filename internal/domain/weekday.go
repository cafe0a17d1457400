package domain

import (
	"fmt"
	"time"
)

// Weekday numbers days Monday-first: 0=Monday ... 6=Sunday.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"Lunes", "Martes", "Miércoles", "Jueves", "Viernes", "Sábado", "Domingo"}

// WeekdayOf converts Go's Sunday-first weekday of t.
func WeekdayOf(t time.Time) Weekday {
	return Weekday((int(t.Weekday()) + 6) % 7)
}

func (d Weekday) Valid() bool { return d >= Monday && d <= Sunday }

// Name returns the Spanish day name used in student-facing messages.
func (d Weekday) Name() string {
	if !d.Valid() {
		return fmt.Sprintf("Weekday(%d)", int(d))
	}
	return weekdayNames[d]
}

func (d Weekday) String() string { return d.Name() }

// ParseWeekday accepts a 0..6 number.
func ParseWeekday(n int) (Weekday, error) {
	d := Weekday(n)
	if !d.Valid() {
		return 0, fmt.Errorf("weekday %d out of range 0..6", n)
	}
	return d, nil
}
