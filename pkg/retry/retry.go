package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/zap"
)

// Policy bounds how a transient failure is retried.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	// Retryable decides whether an error is transient. Nil means every error is.
	Retryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	}
}

// FromConfig builds a policy from RETRY_* settings; retryable is applied to every error.
func FromConfig(cfg config.RetryConfig, retryable func(error) bool) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = uint(cfg.MaxAttempts)
	}
	if cfg.InitialInterval > 0 {
		p.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxElapsedTime > 0 {
		p.MaxElapsed = cfg.MaxElapsedTime
	}
	p.Retryable = retryable
	return p
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = def.MaxElapsed
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy is exhausted.
func Do(ctx context.Context, p Policy, log *zap.Logger, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, log, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a result.
func DoValue[T any](ctx context.Context, p Policy, log *zap.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil || (p.Retryable != nil && !p.Retryable(err)) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     p.InitialInterval,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          2,
			MaxInterval:         p.MaxElapsed,
		}),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("retrying operation",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}),
	)
}
