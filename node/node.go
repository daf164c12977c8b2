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

// Package node defines the computation-node contract of the workbench:
// typed inputs and outputs, parameter handling, capability variants
// (batch and streaming), the semantic type registry and the node catalog.
package node

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"trpc.group/trpc-go/trpc-quantflow/market"
)

// Result maps output names to produced values.
type Result map[string]any

// Inputs maps input names to bound values. Multi-input slots carry an
// ordered []any.
type Inputs map[string]any

// Partial is one increment emitted by a streaming node. Done marks the
// node's final emission.
type Partial struct {
	Outputs Result
	Done    bool
}

// ProgressFunc receives intra-node progress: percent in [0,100] plus a
// short human-readable text.
type ProgressFunc func(percent float64, text string)

// Instance is a constructed node bound to a graph-local id.
type Instance interface {
	ID() int
	Definition() *Definition
	Params() map[string]any
}

// Batch nodes produce their whole result in one call.
type Batch interface {
	Instance
	Execute(ctx context.Context, in Inputs) (Result, error)
}

// Streaming nodes emit a lazy sequence of partial results. The returned
// channel must be closed by the node after the final (Done) partial or
// on cancellation.
type Streaming interface {
	Instance
	Start(ctx context.Context, in Inputs) (<-chan Partial, error)
}

// Stopper is the cooperative cancellation hook.
type Stopper interface {
	Stop()
}

// ForceStopper releases external resources (HTTP clients, subprocesses).
// Implementations must be idempotent and must never fail.
type ForceStopper interface {
	ForceStop()
}

// ProgressReporter is implemented by nodes that accept an intra-node
// progress callback; the executor connects it before running the node.
type ProgressReporter interface {
	SetProgress(fn ProgressFunc)
}

// InputSpec declares one input slot.
type InputSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// Optional inputs may stay unbound.
	Optional bool `json:"optional,omitempty"`
	// Multi inputs aggregate every incoming link into an ordered
	// sequence.
	Multi bool `json:"multi,omitempty"`
}

// OutputSpec declares one output slot.
type OutputSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Definition describes a node type in the catalog: its slots, default
// parameters, UI metadata and constructor.
type Definition struct {
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Inputs        []InputSpec    `json:"inputs"`
	Outputs       []OutputSpec   `json:"outputs"`
	DefaultParams map[string]any `json:"default_params,omitempty"`
	ParamsMeta    []ParamMeta    `json:"params_meta,omitempty"`
	// RequiredAssetClass restricts AssetSymbol inputs to one venue
	// family. Zero means unrestricted.
	RequiredAssetClass market.AssetClass `json:"-"`

	// New constructs an instance. params is DefaultParams overlaid with
	// the descriptor properties.
	New func(id int, params map[string]any) (Instance, error) `json:"-"`
}

// InputIndex returns the input spec at slot index i.
func (d *Definition) InputIndex(i int) (InputSpec, bool) {
	if i < 0 || i >= len(d.Inputs) {
		return InputSpec{}, false
	}
	return d.Inputs[i], true
}

// OutputIndex returns the output spec at slot index i.
func (d *Definition) OutputIndex(i int) (OutputSpec, bool) {
	if i < 0 || i >= len(d.Outputs) {
		return OutputSpec{}, false
	}
	return d.Outputs[i], true
}

// Base carries the state every node shares. Concrete nodes embed it by
// pointer and implement Execute or Start on top.
type Base struct {
	id     int
	def    *Definition
	params map[string]any

	mu        sync.Mutex
	progress  ProgressFunc
	cancelled bool
}

// NewBase binds an id, definition and merged params.
func NewBase(id int, def *Definition, params map[string]any) *Base {
	return &Base{id: id, def: def, params: params}
}

// ID returns the graph-local node id.
func (b *Base) ID() int { return b.id }

// Definition returns the catalog definition this instance came from.
func (b *Base) Definition() *Definition { return b.def }

// Params returns the merged parameter mapping.
func (b *Base) Params() map[string]any { return b.params }

// SetProgress connects the intra-node progress callback.
func (b *Base) SetProgress(fn ProgressFunc) {
	b.mu.Lock()
	b.progress = fn
	b.mu.Unlock()
}

// ReportProgress forwards to the connected callback, if any.
func (b *Base) ReportProgress(percent float64, text string) {
	b.mu.Lock()
	fn := b.progress
	b.mu.Unlock()
	if fn != nil {
		fn(percent, text)
	}
}

// Stop sets the cooperative cancel flag.
func (b *Base) Stop() {
	b.mu.Lock()
	b.cancelled = true
	b.mu.Unlock()
}

// Stopped reports whether cancellation was requested. Compute loops
// check it between chunks.
func (b *Base) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// MergeParams overlays descriptor properties on the definition defaults.
func MergeParams(defaults, props map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(props))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range props {
		out[k] = v
	}
	return out
}

// StringParam reads a string parameter with a fallback.
func StringParam(params map[string]any, name, fallback string) string {
	if v, ok := params[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return fallback
}

// IntParam reads an integer parameter, tolerating JSON numbers and
// numeric strings.
func IntParam(params map[string]any, name string, fallback int) int {
	v, ok := params[name]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return fallback
}

// FloatParam reads a float parameter, tolerating integers and numeric
// strings.
func FloatParam(params map[string]any, name string, fallback float64) float64 {
	v, ok := params[name]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return fallback
}

// BoolParam reads a boolean parameter, tolerating "true"/"false" strings.
func BoolParam(params map[string]any, name string, fallback bool) bool {
	v, ok := params[name]
	if !ok || v == nil {
		return fallback
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return fallback
}
