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
	"sync"
	"time"
)

// Limiter admits at most maxPerSecond acquisitions inside any sliding
// one-second window. External data sources share one limiter per venue so
// burst submissions from concurrent nodes cannot exceed the venue budget.
//
// A token bucket is deliberately not used here: a bucket refilling at N/s
// with burst N admits up to 2N calls inside a single wall-clock second.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter admitting maxPerSecond acquisitions per
// sliding second. Non-positive values disable limiting.
func NewLimiter(maxPerSecond int) *Limiter {
	return &Limiter{
		max:    maxPerSecond,
		window: time.Second,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Wait blocks until the caller may proceed or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.max <= 0 {
		return ctx.Err()
	}
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.stamps) < l.max {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		// Oldest stamp leaving the window frees the next slot.
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops stamps older than one window. Callers hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// inWindow reports how many acquisitions the current window holds.
func (l *Limiter) inWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
