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
	"fmt"
	"time"
)

// Frame is a small record-oriented table. Data nodes pass frames between
// each other; the wire layer serializes a frame as a sequence of record
// mappings via Records.
type Frame struct {
	cols []string
	rows [][]any
}

// NewFrame creates an empty frame with the given column names.
func NewFrame(cols ...string) *Frame {
	c := make([]string, len(cols))
	copy(c, cols)
	return &Frame{cols: c}
}

// FromCandles builds the canonical OHLCV frame.
func FromCandles(candles []Candle) *Frame {
	f := NewFrame("time", "open", "high", "low", "close", "volume")
	for _, c := range candles {
		f.rows = append(f.rows, []any{
			c.Time.UTC().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume,
		})
	}
	return f
}

// Columns returns the column names in declaration order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.cols))
	copy(out, f.cols)
	return out
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.rows)
}

// AppendRow adds one row; the value count must match the column count.
func (f *Frame) AppendRow(values ...any) error {
	if len(values) != len(f.cols) {
		return fmt.Errorf("frame: row has %d values, want %d", len(values), len(f.cols))
	}
	row := make([]any, len(values))
	copy(row, values)
	f.rows = append(f.rows, row)
	return nil
}

// Records exports the frame record-oriented: one mapping per row.
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, 0, len(f.rows))
	for _, row := range f.rows {
		rec := make(map[string]any, len(f.cols))
		for i, col := range f.cols {
			rec[col] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// Column returns all values of a named column.
func (f *Frame) Column(name string) ([]any, bool) {
	idx := -1
	for i, col := range f.cols {
		if col == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]any, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row[idx])
	}
	return out, true
}

// Floats returns a named column coerced to float64, for numeric nodes.
func (f *Frame) Floats(name string) ([]float64, error) {
	col, ok := f.Column(name)
	if !ok {
		return nil, fmt.Errorf("frame: no column %q", name)
	}
	out := make([]float64, 0, len(col))
	for i, v := range col {
		switch n := v.(type) {
		case float64:
			out = append(out, n)
		case float32:
			out = append(out, float64(n))
		case int:
			out = append(out, float64(n))
		case int64:
			out = append(out, float64(n))
		default:
			return nil, fmt.Errorf("frame: column %q row %d is %T, not numeric", name, i, v)
		}
	}
	return out, nil
}

// WithColumn returns a copy of the frame with one extra float column
// appended. The value count must match the row count.
func (f *Frame) WithColumn(name string, values []float64) (*Frame, error) {
	if len(values) != len(f.rows) {
		return nil, fmt.Errorf("frame: column %q has %d values, want %d", name, len(values), len(f.rows))
	}
	out := NewFrame(append(f.Columns(), name)...)
	for i, row := range f.rows {
		next := make([]any, 0, len(row)+1)
		next = append(next, row...)
		next = append(next, values[i])
		out.rows = append(out.rows, next)
	}
	return out, nil
}
