// Package retry is the bounded backoff policy used for remote calls.
//
// A Policy is parameterised by the number of additional attempts and a
// delay function. Waiting goes through a clock.Clock so tests run the
// backoff in virtual time.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
)

// DelayFunc returns the wait before retry number attempt (1-based).
type DelayFunc func(attempt int) time.Duration

// Linear waits base, 2*base, 3*base, ...
func Linear(base time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// Policy retries an operation a bounded number of times.
type Policy struct {
	// Retries is the number of attempts after the first one.
	Retries int
	// Delay computes the wait before each retry. Nil means no wait.
	Delay DelayFunc
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
	// Clock performs the waits. Nil means the real clock.
	Clock clock.Clock
	// OnRetry, when set, is called before each wait.
	OnRetry func(err error, wait time.Duration)
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// retries, or ctx is done. It returns the last error from op, or ctx.Err()
// if the context ended first.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(&delayBackOff{delay: p.Delay}, uint64(max(p.Retries, 0))),
		ctx,
	)

	operation := func() error {
		err := op(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = backoff.Notify(p.OnRetry)
	}

	return backoff.RetryNotifyWithTimer(operation, b, notify, newClockTimer(ctx, clock.Or(p.Clock)))
}

// delayBackOff adapts a DelayFunc to backoff.BackOff.
type delayBackOff struct {
	delay   DelayFunc
	attempt int
}

func (d *delayBackOff) NextBackOff() time.Duration {
	d.attempt++
	if d.delay == nil {
		return 0
	}
	return d.delay(d.attempt)
}

func (d *delayBackOff) Reset() {
	d.attempt = 0
}

// clockTimer implements backoff.Timer on top of a clock.Clock.
type clockTimer struct {
	parent context.Context
	clock  clock.Clock
	c      chan time.Time
	cancel context.CancelFunc
}

func newClockTimer(ctx context.Context, c clock.Clock) *clockTimer {
	return &clockTimer{parent: ctx, clock: c}
}

func (t *clockTimer) Start(d time.Duration) {
	ctx, cancel := context.WithCancel(t.parent)
	ch := make(chan time.Time, 1)
	t.c = ch
	t.cancel = cancel
	go func() {
		if err := t.clock.Sleep(ctx, d); err == nil {
			ch <- t.clock.Now()
		}
	}()
}

func (t *clockTimer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.c
}
