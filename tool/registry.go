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

package tool

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Registry maps tool names to schemas, handlers and credential
// providers. The zero source of truth for a process is Default; tests
// build isolated instances with NewRegistry.
type Registry struct {
	mu          sync.RWMutex
	schemas     map[string]map[string]any
	handlers    map[string]Handler
	credentials map[string]Provider
}

// Default is the process-wide registry. Node and server code registers
// into it at startup.
var Default = NewRegistry()

// NewRegistry creates a registry pre-loaded with the default tools.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

// RegisterSchema publishes a tool schema under name. Later registrations
// replace earlier ones.
func (r *Registry) RegisterSchema(name string, schema map[string]any) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if len(schema) == 0 {
		return ErrInvalidSchema
	}
	r.mu.Lock()
	r.schemas[name] = schema
	r.mu.Unlock()
	return nil
}

// RegisterHandler binds the executable side of a tool.
func (r *Registry) RegisterHandler(name string, h Handler) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if h == nil {
		return ErrNotCallable
	}
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	return nil
}

// RegisterFactory registers a tool whose instances are constructed per
// call. The probe instance supplies the schema when it exposes one.
func (r *Registry) RegisterFactory(name string, factory func() Tool) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if factory == nil {
		return ErrNotCallable
	}
	if probe := factory(); probe != nil {
		if schema := probe.Schema(); len(schema) > 0 {
			if err := r.RegisterSchema(name, schema); err != nil {
				return err
			}
		}
	}
	return r.RegisterHandler(name, func(ctx context.Context, args map[string]any, tc *Context) (any, error) {
		return factory().Execute(ctx, args, tc)
	})
}

// RegisterObject registers a ready-made tool: its schema plus a handler
// bound to the instance.
func (r *Registry) RegisterObject(t Tool) error {
	if t == nil {
		return ErrNotCallable
	}
	name := t.Name()
	if schema := t.Schema(); len(schema) > 0 {
		if err := r.RegisterSchema(name, schema); err != nil {
			return err
		}
	}
	return r.RegisterHandler(name, t.Execute)
}

// Schema returns the registered schema, or nil when unknown.
func (r *Registry) Schema(name string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[name]
}

// HandlerFor returns the registered handler, or nil when unknown.
func (r *Registry) HandlerFor(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Names returns every name with a schema or handler, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.schemas)+len(r.handlers))
	for name := range r.schemas {
		seen[name] = struct{}{}
	}
	for name := range r.handlers {
		seen[name] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegisterCredential binds a lazily resolved credential provider.
func (r *Registry) RegisterCredential(name string, p Provider) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if p == nil {
		return ErrNotCallable
	}
	r.mu.Lock()
	r.credentials[name] = p
	r.mu.Unlock()
	return nil
}

// CredentialFor returns the registered provider, or nil.
func (r *Registry) CredentialFor(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.credentials[name]
}

// Credentials snapshots every registered provider, keyed by name. The
// chat node hands the snapshot to handlers through the call context.
func (r *Registry) Credentials() map[string]Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Provider, len(r.credentials))
	for name, p := range r.credentials {
		out[name] = p
	}
	return out
}

// Reset drops every registration and restores the defaults. Tests call
// it between cases.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = make(map[string]map[string]any)
	r.handlers = make(map[string]Handler)
	r.credentials = make(map[string]Provider)
	registerDefaults(r)
}

// Package-level helpers delegating to Default.

// RegisterSchema publishes a tool schema in the default registry.
func RegisterSchema(name string, schema map[string]any) error {
	return Default.RegisterSchema(name, schema)
}

// RegisterHandler binds a handler in the default registry.
func RegisterHandler(name string, h Handler) error {
	return Default.RegisterHandler(name, h)
}

// RegisterFactory registers a per-call constructed tool in the default
// registry.
func RegisterFactory(name string, factory func() Tool) error {
	return Default.RegisterFactory(name, factory)
}

// RegisterObject registers a ready-made tool in the default registry.
func RegisterObject(t Tool) error {
	return Default.RegisterObject(t)
}

// Schema reads a schema from the default registry.
func Schema(name string) map[string]any {
	return Default.Schema(name)
}

// HandlerFor reads a handler from the default registry.
func HandlerFor(name string) Handler {
	return Default.HandlerFor(name)
}

// Names lists the default registry's tool names.
func Names() []string {
	return Default.Names()
}

// RegisterCredential binds a credential provider in the default
// registry.
func RegisterCredential(name string, p Provider) error {
	return Default.RegisterCredential(name, p)
}

// CredentialFor reads a credential provider from the default registry.
func CredentialFor(name string) Provider {
	return Default.CredentialFor(name)
}

// Reset restores the default registry to its initial state.
func Reset() {
	Default.Reset()
}
