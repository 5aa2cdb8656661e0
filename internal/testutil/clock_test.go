package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func TestFakeClock_StartsAtGivenTime(t *testing.T) {
	clock := NewFakeClock(start)
	assert.Equal(t, start, clock.Now())
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	clock := NewFakeClock(start)

	clock.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), clock.Now())

	clock.Set(start.AddDate(0, 0, 1))
	assert.Equal(t, start.AddDate(0, 0, 1), clock.Now())
}

func TestFakeClock_SleepAdvancesWithoutBlocking(t *testing.T) {
	clock := NewFakeClock(start)

	require.NoError(t, clock.Sleep(context.Background(), time.Second))
	require.NoError(t, clock.Sleep(context.Background(), 2*time.Second))

	assert.Equal(t, start.Add(3*time.Second), clock.Now())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Slept())
}

func TestFakeClock_SleepCancelled(t *testing.T) {
	clock := NewFakeClock(start)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, clock.Sleep(ctx, time.Hour), context.Canceled)
	assert.Equal(t, start, clock.Now())
	assert.Empty(t, clock.Slept())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(start)
	const numGoroutines = 50

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Go(func() {
			clock.Advance(time.Second)
			_ = clock.Now()
		})
	}
	wg.Wait()

	assert.Equal(t, start.Add(numGoroutines*time.Second), clock.Now())
}
