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

package function

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-quantflow/tool"
)

type priceArgs struct {
	Symbol string `json:"symbol" jsonschema:"description=Ticker to look up"`
	Limit  int    `json:"limit,omitempty"`
}

type priceResult struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func lastPrice(ctx context.Context, in priceArgs) (priceResult, error) {
	return priceResult{Symbol: in.Symbol, Price: 42.5}, nil
}

func TestFunctionToolSchema(t *testing.T) {
	ft := New(lastPrice,
		WithName("last_price"),
		WithDescription("Return the last traded price for a symbol."),
	)

	assert.Equal(t, "last_price", ft.Name())

	s := ft.Schema()
	assert.Equal(t, "function", s["type"])
	fn := s["function"].(map[string]any)
	assert.Equal(t, "last_price", fn["name"])

	params := fn["parameters"].(map[string]any)
	assert.Equal(t, "object", params["type"])
	props := params["properties"].(map[string]any)
	require.Contains(t, props, "symbol")
	assert.Equal(t, "Ticker to look up", props["symbol"].(map[string]any)["description"])

	required := params["required"].([]string)
	assert.Contains(t, required, "symbol")
	assert.NotContains(t, required, "limit")
}

func TestFunctionToolExecute(t *testing.T) {
	ft := New(lastPrice, WithName("last_price"))

	got, err := ft.Execute(context.Background(), map[string]any{"symbol": "BTCUSDT"}, nil)
	require.NoError(t, err)
	assert.Equal(t, priceResult{Symbol: "BTCUSDT", Price: 42.5}, got)
}

func TestFunctionToolBadArguments(t *testing.T) {
	ft := New(lastPrice, WithName("last_price"))

	_, err := ft.Execute(context.Background(), map[string]any{"limit": "not-a-number"}, nil)
	require.Error(t, err)
}

func TestFunctionToolRegistersIntoRegistry(t *testing.T) {
	reg := tool.NewRegistry()
	ft := New(lastPrice, WithName("last_price"))
	require.NoError(t, reg.RegisterObject(ft))

	h := reg.HandlerFor("last_price")
	require.NotNil(t, h)
	got, err := h(context.Background(), map[string]any{"symbol": "ETHUSDT"}, nil)
	require.NoError(t, err)
	assert.Equal(t, priceResult{Symbol: "ETHUSDT", Price: 42.5}, got)
}
