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

// Package function adapts plain Go functions into registry tools. The
// parameters schema is generated from the input type by reflection.
package function

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"trpc.group/trpc-go/trpc-quantflow/internal/schema"
	"trpc.group/trpc-go/trpc-quantflow/tool"
)

// FunctionTool wraps a typed function so it satisfies tool.Tool. Call
// arguments are decoded into I through JSON; the returned O is handed
// back as the tool result.
type FunctionTool[I, O any] struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(context.Context, I) (O, error)
}

// Option configures a FunctionTool.
type Option func(*options)

type options struct {
	name        string
	description string
	parameters  map[string]any
}

// WithName sets the tool name models call it by. Use only letters,
// digits, underscores and hyphens for cross-provider compatibility.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithDescription sets the tool description shown to models.
func WithDescription(description string) Option {
	return func(o *options) { o.description = description }
}

// WithParameters overrides the generated parameters schema.
func WithParameters(parameters map[string]any) Option {
	return func(o *options) { o.parameters = parameters }
}

// New wraps fn as a tool. When no parameters schema is supplied, one is
// generated from I.
func New[I, O any](fn func(context.Context, I) (O, error), opts ...Option) *FunctionTool[I, O] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.parameters == nil {
		var probe I
		o.parameters = schema.Generate(reflect.TypeOf(probe))
	}
	return &FunctionTool[I, O]{
		name:        o.name,
		description: o.description,
		parameters:  o.parameters,
		fn:          fn,
	}
}

// Name returns the tool name.
func (t *FunctionTool[I, O]) Name() string { return t.name }

// Schema returns the function-call schema advertised to models.
func (t *FunctionTool[I, O]) Schema() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.name,
			"description": t.description,
			"parameters":  t.parameters,
		},
	}
}

// Execute decodes args into I and invokes the wrapped function.
func (t *FunctionTool[I, O]) Execute(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments for tool %s: %w", t.name, err)
	}
	var in I
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode arguments for tool %s: %w", t.name, err)
	}
	return t.fn(ctx, in)
}
