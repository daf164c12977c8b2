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

package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFrame(t *testing.T) {
	f := Status(StatusStarting)
	assert.Equal(t, TypeStatus, f.Type)
	assert.Equal(t, "Starting execution", f.Message)

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","message":"Starting execution"}`, string(raw))
}

func TestErrorfFrame(t *testing.T) {
	f := Errorf("node %d failed: %s", 3, "boom")
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, "node 3 failed: boom", f.Message)
}

func TestDataFrame(t *testing.T) {
	f := Data(map[int]map[string]any{
		7: {"out": 42, "note": nil},
	}, true)

	assert.Equal(t, TypeData, f.Type)
	require.NotNil(t, f.Stream)
	assert.True(t, *f.Stream)
	require.Contains(t, f.Results, "7")
	assert.Equal(t, "42", f.Results["7"]["out"])
	assert.Equal(t, "None", f.Results["7"]["note"])
}

func TestDataFrameEmptyResults(t *testing.T) {
	f := Data(nil, false)
	require.NotNil(t, f.Results)

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"data","stream":false,"results":{}}`, string(raw))
}

type fakeTable struct{}

func (fakeTable) Records() []map[string]any {
	return []map[string]any{{"close": 1.5}, {"close": 2.0}}
}

type fakeOrder struct{}

func (fakeOrder) ToDict() map[string]any {
	return map[string]any{"side": "buy", "qty": 3}
}

type direction int

func (d direction) String() string {
	if d > 0 {
		return "long"
	}
	return "short"
}

func TestSanitizeScalars(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{nil, "None"},
		{true, "true"},
		{false, "false"},
		{1, "1"},
		{int64(-7), "-7"},
		{uint8(255), "255"},
		{1.5, "1.5"},
		{float32(0.25), "0.25"},
		{"hello", "hello"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Sanitize(c.in))
	}
}

func TestSanitizeTime(t *testing.T) {
	ts := time.Date(2025, 3, 9, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-03-09T12:30:00Z", Sanitize(ts))
}

func TestSanitizeContainers(t *testing.T) {
	got := Sanitize(map[string]any{
		"vals": []any{1, nil, "x"},
		"meta": map[int]any{2: true},
	})
	want := map[string]any{
		"vals": []any{"1", "None", "x"},
		"meta": map[string]any{"2": "true"},
	}
	assert.Equal(t, want, got)
}

func TestSanitizeNilPointer(t *testing.T) {
	var p *int
	assert.Equal(t, "None", Sanitize(p))

	n := 9
	assert.Equal(t, "9", Sanitize(&n))
}

func TestSanitizeRecorder(t *testing.T) {
	got := Sanitize(fakeTable{})
	want := []any{
		map[string]any{"close": "1.5"},
		map[string]any{"close": "2"},
	}
	assert.Equal(t, want, got)
}

func TestSanitizeDicter(t *testing.T) {
	got := Sanitize(fakeOrder{})
	want := map[string]any{"side": "buy", "qty": "3"}
	assert.Equal(t, want, got)
}

func TestSanitizeStringerEnum(t *testing.T) {
	assert.Equal(t, "long", Sanitize(direction(1)))
	assert.Equal(t, "short", Sanitize(direction(-1)))
}

func TestSanitizeJSONSafe(t *testing.T) {
	got := Sanitize(map[string]any{
		"table": fakeTable{},
		"order": fakeOrder{},
		"when":  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	_, err := json.Marshal(got)
	require.NoError(t, err)
}
