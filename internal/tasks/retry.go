package tasks

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts        int           `yaml:"attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultRetryPolicy returns the policy used when a task sets none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        4,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx)
}

// Retry runs op until it succeeds, returns a non-transient error, exhausts
// the policy or ctx is done. Waits between attempts honor ctx, so a
// cancelled invocation never sleeps out its backoff. onRetry, if non-nil,
// is told about every failed attempt that will be retried.
func Retry(ctx context.Context, policy RetryPolicy, op func() error, onRetry func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy.backOff(ctx), onRetry)
}
