package backup

import (
	"context"
	"errors"
	"time"

	appErrors "dbvault/internal/errors"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries an operation on transient errors with exponential
// backoff and no jitter
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// IsTransient decides whether a failure is retried
	IsTransient func(error) bool
	// Timer drives the waits between attempts; nil uses a real timer
	Timer backoff.Timer
}

// NewRetryPolicy builds a policy from configuration
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	cfg.SetDefaults()
	return &RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		IsTransient:     appErrors.IsTransient,
	}
}

func (p *RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Delays returns the waits between consecutive attempts
func (p *RetryPolicy) Delays() []time.Duration {
	b := p.newBackOff(context.Background())
	var delays []time.Duration
	for {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return delays
		}
		delays = append(delays, next)
	}
}

// Do runs op until it succeeds, fails permanently, attempts run out, or ctx
// is done. It returns the number of attempts made and the last error.
func (p *RetryPolicy) Do(ctx context.Context, op func(attempt int) error, notify func(attempt int, err error, delay time.Duration)) (int, error) {
	attempts := 0
	var lastErr error

	operation := func() error {
		attempts++
		err := op(attempts)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	onRetry := func(err error, delay time.Duration) {
		if notify != nil {
			notify(attempts, err, delay)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, p.newBackOff(ctx), onRetry, p.Timer)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if lastErr == nil {
			lastErr = err
		}
		return attempts, appErrors.NewCanceledError("retry canceled", lastErr)
	}
	return attempts, err
}

func (p *RetryPolicy) transient(err error) bool {
	if p.IsTransient == nil {
		return appErrors.IsTransient(err)
	}
	return p.IsTransient(err)
}
