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

package llmchat

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/model"
	"trpc.group/trpc-go/trpc-quantflow/node"
	"trpc.group/trpc-go/trpc-quantflow/telemetry"
	"trpc.group/trpc-go/trpc-quantflow/tool"
)

// chatRun is the resolved state of one node execution: the assembled
// conversation and request shape, plus the histories accumulated while
// the run proceeds.
type chatRun struct {
	kind      string
	host      string
	modelName string
	backend   model.Backend

	msgs      []model.Message
	tools     []map[string]any
	options   map[string]any
	keepAlive *time.Duration

	think        bool
	jsonMode     bool
	temperature  float64
	seed         int64
	maxToolIters int
	toolTimeout  time.Duration

	// failure holds a discovery transport error. The run then short
	// circuits into error outputs without any chat call.
	failure string

	metrics         model.Metrics
	toolHistory     []map[string]any
	thinkingHistory []map[string]any
	iteration       int
	parseError      string
}

// prepare resolves inputs and parameters into a runnable chatRun. The
// errors it returns are node errors (bad input, empty discovery, bad
// host); backend transport problems land in chatRun.failure instead.
func (n *chatNode) prepare(ctx context.Context, in node.Inputs) (*chatRun, error) {
	params := n.Params()

	msgs, err := buildConversation(in)
	if err != nil {
		return nil, err
	}

	r := &chatRun{
		msgs:         msgs,
		tools:        collectTools(in),
		options:      chatOptions(params),
		keepAlive:    parseKeepAlive(params["keep_alive"]),
		think:        node.BoolParam(params, "think", false),
		jsonMode:     node.BoolParam(params, "json_mode", false),
		temperature:  node.FloatParam(params, "temperature", 0.8),
		maxToolIters: node.IntParam(params, "max_tool_iters", 3),
		toolTimeout:  time.Duration(node.IntParam(params, "tool_timeout_s", 30)) * time.Second,
	}

	r.kind = node.StringParam(params, "backend", "ollama")
	if r.kind != "openai" {
		r.kind = "ollama"
	}
	r.host = inputOrParam(in, params, "host")

	backend, err := n.backends(r.kind, r.host)
	if err != nil {
		return nil, err
	}
	r.backend = backend
	n.mu.Lock()
	n.backend = backend
	n.mu.Unlock()

	r.modelName = inputOrParam(in, params, "model")
	if r.modelName == "" {
		names, err := backend.ListModels(ctx)
		if err != nil {
			r.failure = err.Error()
			return r, nil
		}
		if len(names) == 0 {
			return nil, ErrNoLocalModels
		}
		r.modelName = names[0]
		if n.catalog != nil {
			n.catalog.SetParamOptions(NodeType, "model", names)
		}
	}
	n.mu.Lock()
	n.modelName = r.modelName
	n.mu.Unlock()

	r.seed = n.resolveSeed(params)
	r.options["temperature"] = r.temperature
	r.options["seed"] = r.seed

	if _, hasMessages := in["messages"]; hasMessages {
		clampContext(ctx, r)
	}
	return r, nil
}

// resolveSeed applies the seed_mode policy. Increment mode keeps its
// counter on the node so consecutive runs step by one.
func (n *chatNode) resolveSeed(params map[string]any) int64 {
	base := int64(node.IntParam(params, "seed", 0))
	switch node.StringParam(params, "seed_mode", "fixed") {
	case "random":
		return int64(rand.Int32())
	case "increment":
		n.mu.Lock()
		defer n.mu.Unlock()
		if !n.seedInit {
			n.seedInit = true
			n.seedNext = base
		}
		seed := n.seedNext
		n.seedNext++
		return seed
	}
	return base
}

// clampContext folds the model's context window into num_ctx: absent a
// user value it is set outright, otherwise capped.
func clampContext(ctx context.Context, r *chatRun) {
	maxCtx, ok := r.backend.MaxContext(ctx, r.modelName)
	if !ok || maxCtx <= 0 {
		return
	}
	user, set := numCtxOption(r.options)
	switch {
	case !set:
		r.options["num_ctx"] = maxCtx
	case user > maxCtx:
		log.Debugf("llmchat: clamping num_ctx %d to model window %d", user, maxCtx)
		r.options["num_ctx"] = maxCtx
	}
}

func numCtxOption(options map[string]any) (int, bool) {
	v, ok := options["num_ctx"]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		if i, err := strconv.Atoi(t); err == nil {
			return i, true
		}
	}
	return 0, false
}

// chatRounds drives the tool loop and the final backend call. Backend
// failures become error outputs; only cancellation is returned as an
// error. When emit is non-nil the final call streams and every content
// delta produces one progressive message.
func (n *chatNode) chatRounds(ctx context.Context, r *chatRun, emit func(map[string]any)) (node.Result, error) {
	msgs := r.msgs
	var final *model.ChatResponse

	if len(r.tools) > 0 {
		for round := 0; ; {
			resp, err := r.backend.Chat(ctx, r.request(msgs, r.tools, ""))
			if err != nil {
				return n.backendFailure(ctx, r, err)
			}
			n.recordCall(ctx, r, resp)
			if len(resp.Message.ToolCalls) == 0 {
				final = resp
				break
			}
			msgs = append(msgs, resp.Message)
			for _, call := range resp.Message.ToolCalls {
				result, err := n.runTool(ctx, r, call)
				if err != nil {
					return nil, err
				}
				msgs = append(msgs, model.NewToolMessage(call.Function.Name, serializeToolResult(result)))
				r.toolHistory = append(r.toolHistory, map[string]any{
					"call":   toolCallRecord(call),
					"result": result,
				})
			}
			round++
			if round >= r.maxToolIters {
				break
			}
		}
	}

	if final == nil {
		resp, err := r.finalCall(ctx, msgs, emit)
		if err != nil {
			return n.backendFailure(ctx, r, err)
		}
		n.recordCall(ctx, r, resp)
		final = resp
	}

	return r.finalOutputs(final.Message), nil
}

// backendFailure splits cancellation (returned as an error) from
// transport and server failures (captured in the metrics output).
func (n *chatNode) backendFailure(ctx context.Context, r *chatRun, err error) (node.Result, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Warnf("llmchat: backend call failed: %v", err)
	return r.errorOutputs(err.Error()), nil
}

// recordCall folds one backend response into the run: metrics totals,
// the thinking history and the token instruments.
func (n *chatNode) recordCall(ctx context.Context, r *chatRun, resp *model.ChatResponse) {
	r.metrics.Add(resp.Metrics)
	if resp.Message.Thinking != "" {
		r.thinkingHistory = append(r.thinkingHistory, map[string]any{
			"thinking":  resp.Message.Thinking,
			"iteration": r.iteration,
		})
	}
	r.iteration++

	attrs := metric.WithAttributes(attribute.String("model", r.modelName))
	if resp.Metrics.PromptEvalCount > 0 {
		telemetry.TokenCounter.Add(ctx, int64(resp.Metrics.PromptEvalCount), attrs,
			metric.WithAttributes(attribute.String("kind", "prompt")))
	}
	if resp.Metrics.EvalCount > 0 {
		telemetry.TokenCounter.Add(ctx, int64(resp.Metrics.EvalCount), attrs,
			metric.WithAttributes(attribute.String("kind", "completion")))
	}
}

// request builds one backend request over the run's shared settings.
func (r *chatRun) request(msgs []model.Message, tools []map[string]any, format string) *model.ChatRequest {
	return &model.ChatRequest{
		Model:     r.modelName,
		Messages:  msgs,
		Tools:     tools,
		Think:     r.think,
		Format:    format,
		Options:   r.options,
		KeepAlive: r.keepAlive,
	}
}

// finalCall issues the user-facing call with tools withheld. JSON mode
// constrains the response format here and nowhere else, so in-loop tool
// selection stays unconstrained.
func (r *chatRun) finalCall(ctx context.Context, msgs []model.Message, emit func(map[string]any)) (*model.ChatResponse, error) {
	format := ""
	if r.jsonMode {
		format = "json"
	}
	req := r.request(msgs, nil, format)
	if emit == nil {
		return r.backend.Chat(ctx, req)
	}

	var acc strings.Builder
	return r.backend.ChatStream(ctx, req, func(chunk *model.ChatResponse) error {
		if chunk.Message.Content == "" {
			return nil
		}
		acc.WriteString(chunk.Message.Content)
		emit(map[string]any{
			"role":    model.RoleAssistant.String(),
			"content": acc.String(),
		})
		return nil
	})
}

// runTool resolves and invokes one tool call under the per-call
// timeout. Unknown tools, timeouts, handler errors and panics all come
// back as structured error values; the only error return is
// cancellation of the run itself.
func (n *chatNode) runTool(ctx context.Context, r *chatRun, call model.ToolCall) (any, error) {
	name := call.Function.Name
	handler := n.tools.HandlerFor(name)
	if handler == nil {
		return map[string]any{
			"error":   "unknown_tool",
			"message": fmt.Sprintf("no handler registered for tool %q", name),
		}, nil
	}

	tctx := &tool.Context{
		Model:       r.modelName,
		Host:        r.host,
		Credentials: n.tools.Credentials(),
	}
	callCtx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("%v", rec)}
			}
		}()
		v, err := handler(callCtx, call.Function.Arguments, tctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return map[string]any{"error": "exception", "message": out.err.Error()}, nil
		}
		return out.value, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return map[string]any{
			"error":   "timeout",
			"message": fmt.Sprintf("Tool %s timed out after %ds", name, int(r.toolTimeout/time.Second)),
		}, nil
	}
}

// serializeToolResult renders a tool outcome for the tool-role message.
func serializeToolResult(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"error": "exception", "message": err.Error()})
	}
	return string(raw)
}

// toolCallRecord flattens a tool call into the history record shape.
func toolCallRecord(call model.ToolCall) map[string]any {
	rec := map[string]any{
		"function": map[string]any{
			"name":      call.Function.Name,
			"arguments": call.Function.Arguments,
		},
	}
	if call.ID != "" {
		rec["id"] = call.ID
	}
	return rec
}

// errorOutputs assembles the outputs of a failed or cancelled run: an
// empty assistant message plus metrics carrying the error string.
func (r *chatRun) errorOutputs(errText string) node.Result {
	metrics := r.metricsMap()
	metrics["error"] = errText
	return node.Result{
		"message":          map[string]any{"role": model.RoleAssistant.String(), "content": ""},
		"metrics":          metrics,
		"tool_history":     emptyIfNil(r.toolHistory),
		"thinking_history": emptyIfNil(r.thinkingHistory),
	}
}

func (r *chatRun) metricsMap() map[string]any {
	m := map[string]any{
		"total_duration":       r.metrics.TotalDuration.Seconds(),
		"load_duration":        r.metrics.LoadDuration.Seconds(),
		"prompt_eval_count":    r.metrics.PromptEvalCount,
		"prompt_eval_duration": r.metrics.PromptEvalDuration.Seconds(),
		"eval_count":           r.metrics.EvalCount,
		"eval_duration":        r.metrics.EvalDuration.Seconds(),
		"seed":                 r.seed,
		"temperature":          r.temperature,
	}
	if r.parseError != "" {
		m["parse_error"] = r.parseError
	}
	return m
}

func emptyIfNil(h []map[string]any) []map[string]any {
	if h == nil {
		return []map[string]any{}
	}
	return h
}

// inputOrParam prefers a bound input over the parameter of the same
// name, both trimmed.
func inputOrParam(in node.Inputs, params map[string]any, name string) string {
	if v, ok := in[name]; ok && v != nil {
		if s := strings.TrimSpace(asString(v)); s != "" {
			return s
		}
	}
	return strings.TrimSpace(node.StringParam(params, name, ""))
}
