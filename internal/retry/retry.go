// Package retry re-attempts an upload with exponential backoff while the
// failure is classified as retryable.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/liftsync/liftsync/internal/disposition"
)

// Policy bounds the backoff schedule. MaxAttempts counts the first call.
type Policy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxAttempts         int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          backoff.DefaultMultiplier,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		MaxAttempts:         5,
	}
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaults.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaults.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = defaults.RandomizationFactor
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	return p
}

// Operation is one upload attempt.
type Operation func(ctx context.Context) error

// Notify is called after a retryable failure, before waiting delay.
type Notify func(err error, delay time.Duration)

// Do runs operation until it succeeds, fails with a non-retry disposition, the
// attempts are exhausted, or ctx is done. The last error is returned; when ctx
// ends the wait, ctx.Err() is returned instead.
func Do(ctx context.Context, policy Policy, operation Operation) error {
	return DoNotify(ctx, policy, operation, nil)
}

// DoNotify is Do with a hook for observing retries.
func DoNotify(ctx context.Context, policy Policy, operation Operation, notify Notify) error {
	policy = policy.normalized()

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialInterval
	exponential.MaxInterval = policy.MaxInterval
	exponential.Multiplier = policy.Multiplier
	exponential.RandomizationFactor = policy.RandomizationFactor
	exponential.MaxElapsedTime = 0

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(exponential, uint64(policy.MaxAttempts-1)),
		ctx,
	)

	attempt := func() error {
		err := operation(ctx)
		if err == nil {
			return nil
		}
		if disposition.Classify(err) != disposition.Retry {
			return backoff.Permanent(err)
		}
		return err
	}

	var hook backoff.Notify
	if notify != nil {
		hook = backoff.Notify(notify)
	}
	return backoff.RetryNotify(attempt, strategy, hook)
}
