package dispatch

import "errors"

var (
	// ErrSend wraps every error returned by the messaging channel.
	ErrSend = errors.New("send failed")
	// ErrDuplicate reports that (item, fire minute) already reached a
	// terminal outcome. It is a skip, not a failure.
	ErrDuplicate = errors.New("duplicate dispatch")
	// ErrInterrupted means shutdown stopped a retry wait; the record stays
	// pending.
	ErrInterrupted = errors.New("dispatch interrupted")
	// ErrNotAdmitted is reported for items never started because the
	// dispatcher was stopping. Their records stay pending.
	ErrNotAdmitted = errors.New("dispatch not admitted")
	// ErrMissedWindow closes a pending record once its fire minute has
	// passed.
	ErrMissedWindow = errors.New("missed window")
	// ErrTerminal is returned when a transition is applied to a sent or
	// failed record.
	ErrTerminal = errors.New("record already terminal")
)
