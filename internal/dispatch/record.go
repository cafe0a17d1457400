package dispatch

import (
	"fmt"
	"time"

	"coachbot/internal/domain"
	"coachbot/internal/retry"
)

// Phase is the state of a record: Pending, Retrying(n), Sent or Failed.
// Retrying is a pending record with n > 0 failed attempts.
type Phase struct {
	Outcome  domain.Outcome
	Attempts int
}

func PhaseOf(rec domain.DispatchRecord) Phase {
	return Phase{Outcome: rec.Outcome, Attempts: rec.Attempts}
}

func (p Phase) Retrying() bool { return p.Outcome == domain.OutcomePending && p.Attempts > 0 }

func (p Phase) String() string {
	if p.Retrying() {
		return fmt.Sprintf("retrying(%d)", p.Attempts)
	}
	return string(p.Outcome)
}

// recordAttempt applies the result of one send attempt. It reports whether
// another attempt should follow.
func recordAttempt(rec *domain.DispatchRecord, sendErr error, maxAttempts int, now time.Time) (again bool, err error) {
	if rec.Outcome.Terminal() {
		return false, ErrTerminal
	}
	rec.Attempts++
	rec.UpdatedAt = now
	if sendErr == nil {
		rec.Outcome = domain.OutcomeSent
		rec.LastError = ""
		return false, nil
	}
	rec.LastError = sendErr.Error()
	if retry.IsNoRetry(sendErr) || rec.Attempts >= maxAttempts {
		rec.Outcome = domain.OutcomeFailed
		return false, nil
	}
	return true, nil
}

// failWithoutAttempt moves a record to failed without counting an attempt,
// as for a render failure.
func failWithoutAttempt(rec *domain.DispatchRecord, cause error, now time.Time) error {
	if rec.Outcome.Terminal() {
		return ErrTerminal
	}
	rec.Outcome = domain.OutcomeFailed
	rec.LastError = cause.Error()
	rec.UpdatedAt = now
	return nil
}
