package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds an exponential backoff loop.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration
}

// DefaultAllocatorRetry is used when no allocator policy is configured.
var DefaultAllocatorRetry = RetryPolicy{
	MaxRetries:      8,
	InitialInterval: 2 * time.Millisecond,
	MaxInterval:     100 * time.Millisecond,
}

// DefaultDeliveryRetry is used when no delivery policy is configured.
var DefaultDeliveryRetry = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     50 * time.Millisecond,
}

// backOff builds a context-aware backoff.BackOff for one retry loop.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0 // bounded by MaxRetries only

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}
