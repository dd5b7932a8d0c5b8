package processor

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zoff-tech/go-outbound/pkg/config"
)

// RetryPolicy spaces retryable attempts as base × 2^(attempt-1), capped at Max,
// with ±Jitter randomization.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func NewRetryPolicy(cfg config.DispatchSettings) *RetryPolicy {
	return &RetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay, Jitter: cfg.RetryJitter}
}

// Delay returns the wait after the attempt-th failed attempt.
func (r *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Base
	b.Multiplier = 2
	b.RandomizationFactor = r.Jitter
	b.MaxInterval = r.Max
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
