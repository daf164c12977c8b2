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

// Package market holds the domain types shared by data-provider nodes:
// asset classes, symbols, candles, record-oriented frames, data sources
// and the rate limiter guarding external APIs.
package market

import (
	"fmt"
	"time"
)

// AssetClass partitions tradeable symbols by venue family.
type AssetClass int

// Supported asset classes.
const (
	AssetUnknown AssetClass = iota
	AssetCrypto
	AssetEquity
	AssetForex
)

var assetClassNames = map[AssetClass]string{
	AssetUnknown: "unknown",
	AssetCrypto:  "crypto",
	AssetEquity:  "equity",
	AssetForex:   "forex",
}

// String returns the lower-case class name.
func (c AssetClass) String() string {
	if name, ok := assetClassNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseAssetClass maps a class name to its AssetClass; unrecognized names
// yield AssetUnknown.
func ParseAssetClass(name string) AssetClass {
	for c, n := range assetClassNames {
		if n == name {
			return c
		}
	}
	return AssetUnknown
}

// Symbol identifies a tradeable instrument.
type Symbol struct {
	Ticker string
	Class  AssetClass
}

// ToDict exports the symbol as a plain mapping for wire serialization.
func (s Symbol) ToDict() map[string]any {
	return map[string]any{
		"ticker":      s.Ticker,
		"asset_class": s.Class.String(),
	}
}

// Candle is a single OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// ToDict exports the candle as a plain mapping for wire serialization.
func (c Candle) ToDict() map[string]any {
	return map[string]any{
		"time":   c.Time.UTC().Format(time.RFC3339),
		"open":   c.Open,
		"high":   c.High,
		"low":    c.Low,
		"close":  c.Close,
		"volume": c.Volume,
	}
}

// Interval is a candle aggregation period.
type Interval string

// Supported intervals. They double as the CLI runner's scheduling steps.
const (
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval1d:  24 * time.Hour,
}

// ParseInterval validates an interval name.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Duration returns the wall-clock length of one interval step.
func (iv Interval) Duration() time.Duration {
	return intervalDurations[iv]
}

// Intervals lists the supported interval names in ascending order.
func Intervals() []string {
	return []string{
		string(Interval5m),
		string(Interval15m),
		string(Interval30m),
		string(Interval1h),
		string(Interval1d),
	}
}
