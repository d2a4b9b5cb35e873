package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/strahe/assessor-sync/models"
)

// RetryPolicy bounds the exponential backoff applied to transient errors.
type RetryPolicy struct {
	MaxAttempts     uint          `toml:"max_attempts" json:"max_attempts" validate:"min=1"`
	InitialInterval time.Duration `toml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval" json:"max_interval"`
	Multiplier      float64       `toml:"multiplier" json:"multiplier"`
	MaxElapsed      time.Duration `toml:"max_elapsed" json:"max_elapsed"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		MaxElapsed:      2 * time.Minute,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	return b
}

// retry runs fn until it succeeds, returns a non transient error or the policy gives
// up. notify is called before every new attempt.
func retry[T any](ctx context.Context, p RetryPolicy, notify func(error, time.Duration), fn func() (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	elapsed := p.MaxElapsed
	if elapsed <= 0 {
		elapsed = DefaultRetryPolicy().MaxElapsed
	}
	if notify == nil {
		notify = func(error, time.Duration) {}
	}
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !models.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(elapsed),
		backoff.WithNotify(notify),
	)
	// the attempt limit hands back permanent errors still wrapped
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}
