package retry

import (
	"errors"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to each delay. Negative disables it.
	Jitter float64
}

const (
	DefaultMaxAttempts = 3
	DefaultBase        = 500 * time.Millisecond
	DefaultMaxDelay    = 15 * time.Second
	DefaultJitter      = 0.2
)

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	return p
}

// Delay returns the wait before the attempt that follows failed attempt n
// (n starts at 1). A RetryAfter hint on err replaces the exponential step.
func (p Policy) Delay(n int, err error, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = p.Base
		for i := 1; i < n; i++ {
			d *= 2
			if d >= p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
