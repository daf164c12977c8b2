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
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// Source supplies candle data to provider nodes. Implementations must be
// safe for concurrent use and must honor context cancellation on every
// blocking call.
type Source interface {
	// Candles returns the most recent n candles for the symbol at the
	// given interval.
	Candles(ctx context.Context, sym Symbol, iv Interval, n int) (*Frame, error)
	// Stream emits one candle per interval tick until the context is
	// cancelled. The returned channel is closed by the source.
	Stream(ctx context.Context, sym Symbol, iv Interval) (<-chan Candle, error)
}

// SimSource is a deterministic synthetic data source. It generates a
// seeded random walk per symbol so graphs remain runnable without venue
// connectivity, and it exercises the same rate-limiter path a live
// source would.
type SimSource struct {
	limiter *Limiter
	seed    int64
	pace    time.Duration
}

// SimOption configures a SimSource.
type SimOption func(*SimSource)

// WithLimiter guards the source with a shared rate limiter.
func WithLimiter(l *Limiter) SimOption {
	return func(s *SimSource) { s.limiter = l }
}

// WithSeed offsets the per-symbol walk seed.
func WithSeed(seed int64) SimOption {
	return func(s *SimSource) { s.seed = seed }
}

// WithPace sets the wall-clock delay between streamed candles. Streams
// would otherwise pace at the candle interval, which is impractical for
// simulation.
func WithPace(d time.Duration) SimOption {
	return func(s *SimSource) { s.pace = d }
}

// NewSimSource creates a synthetic source.
func NewSimSource(opts ...SimOption) *SimSource {
	s := &SimSource{pace: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Candles generates the most recent n candles ending at the current
// interval boundary.
func (s *SimSource) Candles(ctx context.Context, sym Symbol, iv Interval, n int) (*Frame, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 100
	}
	end := time.Now().UTC().Truncate(iv.Duration())
	start := end.Add(-time.Duration(n-1) * iv.Duration())
	return FromCandles(s.walk(sym, start, iv, n)), nil
}

// Stream emits candles at the configured pace until ctx is cancelled.
func (s *SimSource) Stream(ctx context.Context, sym Symbol, iv Interval) (<-chan Candle, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out := make(chan Candle)
	go func() {
		defer close(out)
		at := time.Now().UTC().Truncate(iv.Duration())
		rng, price := s.rng(sym)
		t := time.NewTicker(s.pace)
		defer t.Stop()
		for {
			c := nextCandle(rng, at, &price)
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			at = at.Add(iv.Duration())
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// walk produces n candles starting at start.
func (s *SimSource) walk(sym Symbol, start time.Time, iv Interval, n int) []Candle {
	rng, price := s.rng(sym)
	out := make([]Candle, 0, n)
	at := start
	for i := 0; i < n; i++ {
		out = append(out, nextCandle(rng, at, &price))
		at = at.Add(iv.Duration())
	}
	return out
}

// rng derives a per-symbol generator so identical requests replay
// identical series.
func (s *SimSource) rng(sym Symbol) (*rand.Rand, float64) {
	h := fnv.New64a()
	h.Write([]byte(sym.Class.String()))
	h.Write([]byte("/"))
	h.Write([]byte(sym.Ticker))
	seed := int64(h.Sum64()) ^ s.seed
	rng := rand.New(rand.NewSource(seed))
	price := 50 + rng.Float64()*1000
	return rng, price
}

func nextCandle(rng *rand.Rand, at time.Time, price *float64) Candle {
	open := *price
	drift := (rng.Float64() - 0.5) * open * 0.02
	clos := open + drift
	high := math.Max(open, clos) * (1 + rng.Float64()*0.005)
	low := math.Min(open, clos) * (1 - rng.Float64()*0.005)
	vol := 100 + rng.Float64()*10000
	*price = clos
	return Candle{Time: at, Open: open, High: high, Low: low, Close: clos, Volume: vol}
}
