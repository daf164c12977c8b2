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

// Package llmchat implements the llm_chat node: a language-model chat
// round as a graph node, with tool orchestration, progressive streaming
// output, metrics and cooperative cancellation.
package llmchat

import (
	"context"
	"errors"
	"sync"

	"trpc.group/trpc-go/trpc-quantflow/model"
	"trpc.group/trpc-go/trpc-quantflow/model/ollama"
	"trpc.group/trpc-go/trpc-quantflow/model/openai"
	"trpc.group/trpc-go/trpc-quantflow/node"
	"trpc.group/trpc-go/trpc-quantflow/tool"
)

// NodeType is the catalog name of the chat node.
const NodeType = "llm_chat"

// Node errors. Backend failures never surface here; they are captured
// in the metrics output instead.
var (
	// ErrNoInput rejects runs with neither a messages nor a prompt input.
	ErrNoInput = errors.New("no messages or prompt provided")
	// ErrNoLocalModels rejects runs where model discovery found nothing.
	ErrNoLocalModels = errors.New("model discovery returned no models")
)

// BackendFactory resolves a chat provider for one run. kind is the
// backend parameter value, host the resolved endpoint.
type BackendFactory func(kind, host string) (model.Backend, error)

// sharedBackends caches providers per (kind, host) so the context-window
// cache and HTTP connection pools survive across runs.
var (
	backendMu   sync.Mutex
	backendPool = map[string]model.Backend{}
)

func sharedBackend(kind, host string) (model.Backend, error) {
	key := kind + "|" + host
	backendMu.Lock()
	defer backendMu.Unlock()
	if b, ok := backendPool[key]; ok {
		return b, nil
	}
	var (
		b   model.Backend
		err error
	)
	switch kind {
	case "openai":
		b = openai.New(host, "")
	default:
		b, err = ollama.New(host)
	}
	if err != nil {
		return nil, err
	}
	backendPool[key] = b
	return b, nil
}

// Option configures the node registration.
type Option func(*config)

type config struct {
	tools    *tool.Registry
	backends BackendFactory
	host     string
}

// WithTools binds a tool registry other than the process default.
func WithTools(r *tool.Registry) Option {
	return func(c *config) { c.tools = r }
}

// WithBackends overrides the provider factory, used by tests to inject
// scripted backends.
func WithBackends(f BackendFactory) Option {
	return func(c *config) { c.backends = f }
}

// WithDefaultHost sets the host parameter default, typically the
// configured Ollama endpoint. Graphs can still override it per node.
func WithDefaultHost(host string) Option {
	return func(c *config) { c.host = host }
}

// Register installs the llm_chat node into the catalog. The catalog is
// retained so model discovery can refresh the model parameter options.
func Register(reg *node.Registry, opts ...Option) error {
	cfg := &config{tools: tool.Default, backends: sharedBackend}
	for _, opt := range opts {
		opt(cfg)
	}
	return reg.Register(definition(reg, cfg))
}

func definition(reg *node.Registry, cfg *config) *node.Definition {
	def := &node.Definition{
		Type:  NodeType,
		Title: "LLM Chat",
		Inputs: []node.InputSpec{
			{Name: "messages", Type: node.TypeLLMChatMessage, Optional: true},
			{Name: "prompt", Type: node.TypeText, Optional: true},
			{Name: "system", Type: node.TypeAny, Optional: true},
			{Name: "tools", Type: node.TypeLLMToolSchema, Optional: true},
			{Name: "tool", Type: node.TypeLLMToolSchema, Optional: true, Multi: true},
			{Name: "host", Type: node.TypeText, Optional: true},
			{Name: "model", Type: node.TypeText, Optional: true},
		},
		Outputs: []node.OutputSpec{
			{Name: "message", Type: node.TypeLLMChatMessage},
			{Name: "metrics", Type: node.TypeAny},
			{Name: "tool_history", Type: node.TypeAny},
			{Name: "thinking_history", Type: node.TypeAny},
		},
		DefaultParams: map[string]any{
			"backend":        "ollama",
			"model":          "",
			"host":           cfg.host,
			"temperature":    0.8,
			"seed_mode":      "fixed",
			"seed":           0,
			"max_tool_iters": 3,
			"tool_timeout_s": 30,
			"think":          false,
			"json_mode":      false,
			"keep_alive":     "",
			"options":        map[string]any{},
		},
		ParamsMeta: []node.ParamMeta{
			{Name: "backend", Kind: node.ParamSelect, Options: []string{"ollama", "openai"}},
			{Name: "model", Kind: node.ParamSelect},
			{Name: "host", Kind: node.ParamText},
			{Name: "temperature", Kind: node.ParamNumber, Min: 0, Max: 1.5},
			{Name: "seed_mode", Kind: node.ParamSelect, Options: []string{"fixed", "random", "increment"}},
			{Name: "seed", Kind: node.ParamNumber},
			{Name: "max_tool_iters", Kind: node.ParamNumber},
			{Name: "tool_timeout_s", Kind: node.ParamNumber},
			{Name: "think", Kind: node.ParamBool},
			{Name: "json_mode", Kind: node.ParamBool},
			{Name: "keep_alive", Kind: node.ParamText},
			{Name: "options", Kind: node.ParamText},
		},
	}
	def.New = func(id int, params map[string]any) (node.Instance, error) {
		return &chatNode{
			Base:     node.NewBase(id, def, params),
			catalog:  reg,
			tools:    cfg.tools,
			backends: cfg.backends,
		}, nil
	}
	return def
}

// chatNode is one llm_chat instance. It implements both capability
// variants: Execute for batch graphs and Start for streaming ones.
type chatNode struct {
	*node.Base

	catalog  *node.Registry
	tools    *tool.Registry
	backends BackendFactory

	mu        sync.Mutex
	cancel    context.CancelFunc
	backend   model.Backend
	modelName string

	seedInit bool
	seedNext int64

	forceOnce sync.Once
}

var (
	_ node.Batch        = (*chatNode)(nil)
	_ node.Streaming    = (*chatNode)(nil)
	_ node.Stopper      = (*chatNode)(nil)
	_ node.ForceStopper = (*chatNode)(nil)
)

// Execute runs the chat round to completion and returns the full
// outputs in one result.
func (n *chatNode) Execute(ctx context.Context, in node.Inputs) (node.Result, error) {
	runCtx, cancel := n.runContext(ctx)
	defer cancel()

	r, err := n.prepare(runCtx, in)
	if err != nil {
		return nil, err
	}
	if r.failure != "" {
		return r.errorOutputs(r.failure), nil
	}
	res, err := n.chatRounds(runCtx, r, nil)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Start runs the chat round in the background, emitting progressive
// assistant messages and a terminal partial with the full outputs.
// Cancellation produces a final partial with empty content and
// metrics.error = "Cancelled" instead of an error.
func (n *chatNode) Start(ctx context.Context, in node.Inputs) (<-chan node.Partial, error) {
	runCtx, cancel := n.runContext(ctx)

	r, err := n.prepare(runCtx, in)
	if err != nil {
		cancel()
		return nil, err
	}

	partials := make(chan node.Partial, 8)
	go func() {
		defer close(partials)
		defer cancel()

		if r.failure != "" {
			partials <- node.Partial{Outputs: r.errorOutputs(r.failure), Done: true}
			return
		}

		emit := func(msg map[string]any) {
			select {
			case partials <- node.Partial{Outputs: node.Result{"message": msg}}:
			case <-runCtx.Done():
			}
		}
		res, err := n.chatRounds(runCtx, r, emit)
		if err != nil {
			partials <- node.Partial{Outputs: r.errorOutputs("Cancelled"), Done: true}
			return
		}
		partials <- node.Partial{Outputs: res, Done: true}
	}()
	return partials, nil
}

// runContext derives the per-run context and registers its cancel so
// Stop can abort the in-flight backend call. A node stopped before the
// run begins yields an already-cancelled context.
func (n *chatNode) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()
	if n.Stopped() {
		cancel()
	}
	return runCtx, cancel
}

// Stop cancels the in-flight backend call. Idempotent.
func (n *chatNode) Stop() {
	n.Base.Stop()
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ForceStop fires the best-effort backend cleanup: idle connections are
// dropped and the model is asked to unload. Idempotent.
func (n *chatNode) ForceStop() {
	n.forceOnce.Do(func() {
		n.mu.Lock()
		backend := n.backend
		modelName := n.modelName
		n.mu.Unlock()
		if backend != nil {
			backend.Cleanup(modelName)
		}
	})
}
