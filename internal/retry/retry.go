// Package retry wraps exponential backoff with jitter behind named policies.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Policy describes how often and how patiently an operation is retried.
// MaxRetries counts retries after the first attempt.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// Named presets.
var (
	Aggressive   = Policy{MaxRetries: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: 0.5}
	Moderate     = Policy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.5}
	Conservative = Policy{MaxRetries: 1, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: 0.5}
	None         = Policy{}
)

// Preset returns the policy registered under name. An empty name is Moderate.
func Preset(name string) (Policy, error) {
	switch name {
	case "", "moderate":
		return Moderate, nil
	case "aggressive":
		return Aggressive, nil
	case "conservative":
		return Conservative, nil
	case "none":
		return None, nil
	}
	return Policy{}, fmt.Errorf("unknown retry preset %q", name)
}

// BackOff builds a fresh exponential backoff for p.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a permanent error, or the policy is
// exhausted. The last error is returned.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, what string, op func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, op()
	},
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("retrying",
				zap.String("op", what),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	return err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
