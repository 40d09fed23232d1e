// Package retry expresses the archiver's bounded retry behaviour as a value,
// independent of the transport call it wraps.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how many times and how far apart an operation is attempted.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay is the fixed pause between attempts, or the initial one when
	// Exponential is set.
	Delay       time.Duration
	Exponential bool
	MaxDelay    time.Duration
	// Timer drives the pauses; nil uses a real timer.
	Timer backoff.Timer
}

// Constant returns a fixed-delay policy.
func Constant(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: delay}
}

func (p Policy) backOff() backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.RandomizationFactor = 0
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		// bounded by attempts, not elapsed time
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Delay)
	}

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Do runs op until it succeeds, fails with an error isTransient rejects, the
// attempt budget is spent, or ctx is done. op receives the 1-based attempt
// number. notify, when set, is called after each failed attempt that will be
// retried, with the pause before the next one. The number of attempts made is
// always returned.
func (p Policy) Do(ctx context.Context, op func(attempt int) error, isTransient func(error) bool, notify func(err error, attempt int, next time.Duration)) (int, error) {
	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := op(attempts)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var n backoff.Notify
	if notify != nil {
		n = func(err error, next time.Duration) { notify(err, attempts, next) }
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(p.backOff(), ctx), n, p.Timer)
	return attempts, err
}
