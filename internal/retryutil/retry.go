package retryutil

import (
	"context"
	"errors"
	"time"
)

const (
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
	defaultMaxDelay = 30 * time.Second
)

// Policy bounds Do. Retryable decides whether an error is worth another
// attempt; a nil Retryable retries every error.
type Policy struct {
	Attempts  int
	Delay     time.Duration
	MaxDelay  time.Duration
	Retryable func(error) bool
}

// RetryAfterError is implemented by errors that carry a server-provided wait.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// Do calls fn until it succeeds, the error is not retryable, attempts run
// out or ctx ends. Waits double from Delay, capped at MaxDelay, unless the
// error names its own wait. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.Delay <= 0 {
		p.Delay = defaultDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	delay := p.Delay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.Attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		wait := delay
		var ra RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			wait = ra.RetryAfter()
		}
		if wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
	}
}
