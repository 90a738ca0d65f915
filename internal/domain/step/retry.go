package step

import (
	"context"
	"time"
)

// RetryPolicy bounds how often a step is attempted and how long the engine
// waits between attempts.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" toml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" toml:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" toml:"multiplier" json:"multiplier"`
}

// DefaultRetryPolicy returns the policy used when a step declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     2 * time.Minute,
		Multiplier:     2,
	}
}

// Once is a policy that never retries.
func Once() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// WithDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Backoff returns the wait before attempt number next (1-based; the first
// attempt never waits). Growth is exponential and capped at MaxBackoff.
func (p RetryPolicy) Backoff(next int) time.Duration {
	if next <= 1 || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialBackoff)
	for i := 2; i < next; i++ {
		d *= mult
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Remaining reports whether another attempt is allowed after attempts.
func (p RetryPolicy) Remaining(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
