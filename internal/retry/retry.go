// Package retry runs remote operations with bounded exponential backoff.
//
// Whether an error is worth another attempt is decided by a Classifier, so
// the policy itself knows nothing about any particular driver.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Class is the outcome of classifying an error.
type Class int

const (
	// Fatal errors are returned immediately.
	Fatal Class = iota
	// Transient errors are retried after a delay.
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "fatal"
}

// Classifier decides whether err is transient.
type Classifier func(err error) Class

// Defaults used when a Policy field is zero.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Policy describes how an operation is retried.
//
// After the n-th failed attempt (1-based) the policy waits
// BaseDelay * 2^(n-1), capped at MaxDelay: 1s, 2s, 4s with the defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classify    Classifier

	// OnRetry, if set, is called before every wait.
	OnRetry func(attempt int, delay time.Duration, err error)

	// sleep waits for d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Classify == nil {
		p.Classify = func(error) Class { return Fatal }
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// Do runs op until it succeeds, fails with a fatal error, or runs out of
// attempts. It returns the result, the number of attempts made and the last
// error unchanged.
//
// Cancelling ctx while waiting between attempts returns ctx.Err().
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, int, error) {
	p = p.withDefaults()

	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return result, attempt, nil
		}

		if attempt >= p.MaxAttempts || p.Classify(err) != Transient {
			return zero, attempt, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		if serr := p.sleep(ctx, delay); serr != nil {
			return zero, attempt, serr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
