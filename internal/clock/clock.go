// Package clock provides the wall clock used by the sync engine and the deck
// lifecycle.
//
// Every component that reads the current time or waits takes a Clock so
// tests can substitute a fake (see testutil.FakeClock). Production code uses
// Real.
package clock

import (
	"context"
	"time"
)

// Clock reads the time and waits.
//
// Sleep blocks for d or until ctx is done, whichever comes first, and
// returns ctx.Err() in the latter case.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the system clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// Sleep waits on a timer, honouring ctx cancellation.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Or returns c, or Real if c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// SameDay reports whether a and b fall on the same calendar date in the
// location of a.
func SameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DateLayout is the persisted form of a calendar date.
const DateLayout = "2006-01-02"
