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

// Package tool holds the process-wide registry of callable tools and
// credentials available to LLM nodes. Schemas describe tools to models;
// handlers execute the calls the models request.
package tool

import (
	"context"
	"errors"
)

// Registration errors.
var (
	// ErrInvalidName rejects empty or blank tool names.
	ErrInvalidName = errors.New("tool name must be a non-empty string")
	// ErrInvalidSchema rejects nil or empty tool schemas.
	ErrInvalidSchema = errors.New("tool schema must be a non-empty mapping")
	// ErrNotCallable rejects nil handlers and factories.
	ErrNotCallable = errors.New("tool handler must be callable")
)

// Handler executes one tool call. args carries the decoded call
// arguments; tc carries per-call execution context.
type Handler func(ctx context.Context, args map[string]any, tc *Context) (any, error)

// Provider resolves one credential value on demand. Values are never
// persisted; failures mean the credential is unavailable.
type Provider func() (string, error)

// Context is the per-call execution context handed to handlers: which
// model asked for the call, which backend host serves it and the
// credentials the call may use.
type Context struct {
	Model       string
	Host        string
	Credentials map[string]Provider
}

// Tool couples a schema with its executable behavior. Objects and
// factories implementing Tool register both sides in one call.
type Tool interface {
	Name() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any, tc *Context) (any, error)
}

// Credential extracts a named credential from a per-call context and
// resolves it. A missing or failing provider yields ("", false).
func Credential(tc *Context, name string) (string, bool) {
	if tc == nil || tc.Credentials == nil {
		return "", false
	}
	p, ok := tc.Credentials[name]
	if !ok || p == nil {
		return "", false
	}
	v, err := p()
	if err != nil {
		return "", false
	}
	return v, true
}
