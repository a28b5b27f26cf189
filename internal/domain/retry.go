package domain

import (
	"context"
	"time"
)

// RetryPolicy is an explicit retry configuration attached to database and
// environment operations. The zero value performs exactly one attempt.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// RetryIf decides whether a failure is worth another attempt.
	// Nil means Retryable (infrastructure and timeout kinds only).
	RetryIf func(error) bool
}

// DefaultInfraRetry retries infrastructure flakiness three times with
// exponential backoff.
func DefaultInfraRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// Do runs op, retrying per the policy. The last error is returned verbatim
// so its kind survives classification by the caller.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryIf := p.RetryIf
	if retryIf == nil {
		retryIf = Retryable
	}

	delay := p.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil || attempt >= attempts || !retryIf(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
