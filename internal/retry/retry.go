package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultAttempts     = 5
	defaultInitialDelay = 2 * time.Second
	defaultMaxDelay     = 30 * time.Second
)

// Policy bounds a retried operation. Delays double after every failed attempt.
type Policy struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Retryable reports whether err is transient. Nil treats every error as transient.
	Retryable func(err error) bool
}

// DefaultPolicy returns five attempts starting at a two second delay.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:     defaultAttempts,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Attempts == 0 {
		p.Attempts = defaultAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay * (1 << (p.Attempts - 1))
	}
	return p
}

// Do runs operation until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. The last error is returned.
func Do[T any](ctx context.Context, logger *zap.Logger, name string, policy Policy, operation func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy = policy.withDefaults()

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialDelay
	exponential.MaxInterval = policy.MaxDelay
	exponential.Multiplier = 2
	exponential.RandomizationFactor = 0

	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		logger.Debug("attempting operation", zap.String("operation", name), zap.Int("attempt", attempt))
		result, err := operation(ctx)
		if err != nil && policy.Retryable != nil && !policy.Retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(policy.Attempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Warn("operation failed, retrying",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}),
	)
}
