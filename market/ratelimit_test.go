//
// Tencent is pleased to support the open source community by making trpc-quantflow available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//

package market

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter deterministically: Wait's retry sleep
// advances the clock instead of blocking.
type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time { return c.at }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
	}
	c.at = c.at.Add(d)
	return nil
}

func newTestLimiter(max int) (*Limiter, *fakeClock) {
	clock := &fakeClock{at: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(max)
	l.now = clock.now
	l.sleep = clock.sleep
	return l, clock
}

func TestLimiterWindowProperty(t *testing.T) {
	const max = 3
	l, clock := newTestLimiter(max)

	var admitted []time.Time
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background()))
		admitted = append(admitted, clock.at)
		// Uneven caller pacing: some immediate retries, some gaps.
		if i%4 == 0 {
			clock.at = clock.at.Add(150 * time.Millisecond)
		}
	}

	require.Len(t, admitted, 20)
	require.True(t, sort.SliceIsSorted(admitted, func(i, j int) bool {
		return admitted[i].Before(admitted[j])
	}))

	// No window of one second may contain more than max admissions.
	for i := range admitted {
		count := 1
		for j := i + 1; j < len(admitted); j++ {
			if admitted[j].Sub(admitted[i]) < time.Second {
				count++
			}
		}
		assert.LessOrEqualf(t, count, max, "window starting at admission %d", i)
	}
}

func TestLimiterImmediateUnderBudget(t *testing.T) {
	l, clock := newTestLimiter(5)
	start := clock.at
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Equal(t, start, clock.at, "first max admissions must not sleep")
	assert.Equal(t, 5, l.inWindow())
}

func TestLimiterCancellation(t *testing.T) {
	l, _ := newTestLimiter(1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.sleep = sleepCtx // real sleep so cancellation is observed
	err := l.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLimiterDisabled(t *testing.T) {
	var l *Limiter
	require.NoError(t, l.Wait(context.Background()))

	zero := NewLimiter(0)
	require.NoError(t, zero.Wait(context.Background()))
}
