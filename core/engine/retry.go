package engine

import "time"

// RetryPolicy decides whether a failed attempt should be retried and how
// long to wait before the next one. Attempt numbering starts at 1 for the
// first failure.
type RetryPolicy interface {
	// NextDelay returns the backoff before retrying after the given failed
	// attempt. ok is false when the policy is exhausted.
	NextDelay(attempt int) (delay time.Duration, ok bool)
	// MaxAttempts reports the total number of attempts the policy permits,
	// including the first one.
	MaxAttempts() int
}

// LinearRetryPolicy retries a fixed number of times with a constant delay
// between attempts.
type LinearRetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy matches the engine-wide default of three attempts one
// second apart.
func DefaultRetryPolicy() LinearRetryPolicy {
	return LinearRetryPolicy{Attempts: 3, Delay: time.Second}
}

func (p LinearRetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt >= p.Attempts {
		return 0, false
	}
	return p.Delay, true
}

func (p LinearRetryPolicy) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// ExponentialRetryPolicy doubles the delay after every failed attempt,
// starting from BaseDelay and never exceeding MaxDelay when set.
type ExponentialRetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt >= p.Attempts {
		return 0, false
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay, true
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}

func (p ExponentialRetryPolicy) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// NoRetryPolicy runs the task exactly once.
type NoRetryPolicy struct{}

func (NoRetryPolicy) NextDelay(int) (time.Duration, bool) { return 0, false }
func (NoRetryPolicy) MaxAttempts() int                    { return 1 }
