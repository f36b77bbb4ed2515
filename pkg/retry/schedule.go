// Package retry delivers queued actions to the primary with capped,
// jittered exponential backoff.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Schedule is the backoff policy. Attempt n (1-based) failing schedules the
// next attempt after
//
//	min(Cap, Base * 2^(n-1) * (1 + u*Jitter)), u in [0,1)
//
// With Jitter at most 1 the jittered delay of attempt n never exceeds the
// unjittered delay of attempt n+1, so delays are non-decreasing.
type Schedule struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      float64

	// Rand returns u. Defaults to math/rand.
	Rand func() float64
}

func DefaultSchedule() Schedule {
	return Schedule{
		Base:        time.Second,
		Cap:         30 * time.Second,
		MaxAttempts: 5,
		Jitter:      0.2,
	}
}

func (s Schedule) Validate() error {
	var errs []error
	if s.Base <= 0 {
		errs = append(errs, fmt.Errorf("base must be positive, got %s", s.Base))
	}
	if s.Cap < s.Base {
		errs = append(errs, fmt.Errorf("cap %s is below base %s", s.Cap, s.Base))
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", s.MaxAttempts))
	}
	if s.Jitter < 0 || s.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be within [0,1], got %v", s.Jitter))
	}
	return errors.Join(errs...)
}

// Delay returns the wait after the given failed attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := float64(s.Cap)
	d := float64(s.Base) * math.Pow(2, float64(attempt-1))
	if d >= limit {
		return s.Cap
	}
	if s.Jitter > 0 {
		d *= 1 + s.random()*s.Jitter
	}
	if d >= limit {
		return s.Cap
	}
	return time.Duration(d)
}

func (s Schedule) random() float64 {
	if s.Rand != nil {
		return s.Rand()
	}
	return rand.Float64()
}
