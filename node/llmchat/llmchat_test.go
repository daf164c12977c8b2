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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-quantflow/model"
	"trpc.group/trpc-go/trpc-quantflow/model/ollama"
	"trpc.group/trpc-go/trpc-quantflow/node"
	"trpc.group/trpc-go/trpc-quantflow/tool"
)

// fakeBackend scripts chat responses and records every request.
type fakeBackend struct {
	mu       sync.Mutex
	scripted []*model.ChatResponse
	requests []*model.ChatRequest

	chatErr error
	deltas  []string
	block   bool

	models  []string
	listErr error

	maxCtx      int
	maxCtxOK    bool
	maxCtxCalls int

	cleanups []string
}

var _ model.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) next(req *model.ChatRequest) *model.ChatResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.scripted) == 0 {
		return &model.ChatResponse{Message: model.Message{Role: model.RoleAssistant}, Done: true}
	}
	resp := f.scripted[0]
	f.scripted = f.scripted[1:]
	return resp
}

func (f *fakeBackend) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.next(req), nil
}

func (f *fakeBackend) ChatStream(ctx context.Context, req *model.ChatRequest, fn model.StreamFunc) (*model.ChatResponse, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	resp := f.next(req)
	var acc strings.Builder
	for _, d := range f.deltas {
		acc.WriteString(d)
		if fn != nil {
			if err := fn(&model.ChatResponse{Message: model.Message{Content: d}}); err != nil {
				return nil, err
			}
		}
	}
	if resp.Message.Content == "" {
		resp.Message.Content = acc.String()
	}
	return resp, nil
}

func (f *fakeBackend) MaxContext(ctx context.Context, modelName string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxCtxCalls++
	return f.maxCtx, f.maxCtxOK
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

func (f *fakeBackend) Cleanup(modelName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, modelName)
}

func (f *fakeBackend) recorded() []*model.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.ChatRequest(nil), f.requests...)
}

func assistantResponse(content string) *model.ChatResponse {
	return &model.ChatResponse{
		Message: model.Message{Role: model.RoleAssistant, Content: content},
		Done:    true,
		Metrics: model.Metrics{
			TotalDuration:   2 * time.Second,
			PromptEvalCount: 11,
			EvalCount:       5,
		},
	}
}

func toolCallResponse(name string, args map[string]any) *model.ChatResponse {
	return &model.ChatResponse{
		Message: model.Message{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCall{
				{Function: model.FunctionCall{Name: name, Arguments: args}},
			},
		},
		Done: true,
	}
}

// newChatNode registers the node against a scripted backend and builds
// one instance. A model is pre-set unless the test overrides it.
func newChatNode(t *testing.T, backend model.Backend, tools *tool.Registry, props map[string]any) (*chatNode, *node.Registry) {
	t.Helper()
	reg := node.NewRegistry()
	if tools == nil {
		tools = tool.NewRegistry()
	}
	err := Register(reg, WithTools(tools), WithBackends(func(kind, host string) (model.Backend, error) {
		return backend, nil
	}))
	require.NoError(t, err)

	if props == nil {
		props = map[string]any{}
	}
	if _, ok := props["model"]; !ok {
		props["model"] = "test-model"
	}
	inst, err := reg.New(7, NodeType, props)
	require.NoError(t, err)
	return inst.(*chatNode), reg
}

func TestRegisterDefinition(t *testing.T) {
	reg := node.NewRegistry()
	require.NoError(t, Register(reg))

	def := reg.Definition(NodeType)
	require.NotNil(t, def)
	assert.Equal(t, "LLM Chat", def.Title)
	assert.Len(t, def.Inputs, 7)
	assert.Len(t, def.Outputs, 4)
	for _, in := range def.Inputs {
		assert.True(t, in.Optional, "input %s must be optional", in.Name)
	}
	assert.Equal(t, 0.8, def.DefaultParams["temperature"])
	assert.Equal(t, "fixed", def.DefaultParams["seed_mode"])
	assert.Equal(t, 3, def.DefaultParams["max_tool_iters"])
	assert.Equal(t, 30, def.DefaultParams["tool_timeout_s"])
	assert.Equal(t, "ollama", def.DefaultParams["backend"])
}

func TestExecuteSimple(t *testing.T) {
	backend := &fakeBackend{scripted: []*model.ChatResponse{assistantResponse("hi there")}}
	n, _ := newChatNode(t, backend, nil, map[string]any{"seed": 42})

	res, err := n.Execute(context.Background(), node.Inputs{"prompt": "hello"})
	require.NoError(t, err)

	msg, ok := res["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "hi there", msg["content"])

	metrics, ok := res["metrics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.0, metrics["total_duration"])
	assert.Equal(t, 11, metrics["prompt_eval_count"])
	assert.Equal(t, 5, metrics["eval_count"])
	assert.Equal(t, int64(42), metrics["seed"])
	assert.Equal(t, 0.8, metrics["temperature"])
	assert.NotContains(t, metrics, "error")

	assert.Empty(t, res["tool_history"])
	assert.Empty(t, res["thinking_history"])

	reqs := backend.recorded()
	require.Len(t, reqs, 1)
	assert.Nil(t, reqs[0].Tools)
	assert.Equal(t, "test-model", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, model.RoleUser, reqs[0].Messages[0].Role)
	assert.Equal(t, "hello", reqs[0].Messages[0].Content)
	assert.Equal(t, 0.8, reqs[0].Options["temperature"])
	assert.Equal(t, int64(42), reqs[0].Options["seed"])
}

func TestExecuteNoInput(t *testing.T) {
	n, _ := newChatNode(t, &fakeBackend{}, nil, nil)
	_, err := n.Execute(context.Background(), node.Inputs{})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestExecuteConversationAssembly(t *testing.T) {
	backend := &fakeBackend{scripted: []*model.ChatResponse{assistantResponse("ok")}}
	n, _ := newChatNode(t, backend, nil, nil)

	_, err := n.Execute(context.Background(), node.Inputs{
		"messages": []any{
			map[string]any{"role": "user", "content": "first"},
			map[string]any{"role": "assistant", "content": "reply"},
		},
		"prompt": "second",
		"system": "be terse",
	})
	require.NoError(t, err)

	reqs := backend.recorded()
	require.Len(t, reqs, 1)
	msgs := reqs[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.Equal(t, "be terse", msgs[0].Content)
	assert.Equal(t, "first", msgs[1].Content)
	assert.Equal(t, model.RoleAssistant, msgs[2].Role)
	assert.Equal(t, model.RoleUser, msgs[3].Role)
	assert.Equal(t, "second", msgs[3].Content)
}

func TestExecuteSystemNotDuplicated(t *testing.T) {
	backend := &fakeBackend{scripted: []*model.ChatResponse{assistantResponse("ok")}}
	n, _ := newChatNode(t, backend, nil, nil)

	_, err := n.Execute(context.Background(), node.Inputs{
		"messages": []any{
			map[string]any{"role": "system", "content": "original"},
			map[string]any{"role": "user", "content": "hi"},
		},
		"system": "ignored",
	})
	require.NoError(t, err)

	msgs := backend.recorded()[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "original", msgs[0].Content)
}

func TestExecuteModelDiscovery(t *testing.T) {
	backend := &fakeBackend{
		scripted: []*model.ChatResponse{assistantResponse("ok")},
		models:   []string{"llama3.2:latest", "qwen3:8b"},
	}
	n, reg := newChatNode(t, backend, nil, map[string]any{"model": ""})

	res, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "llama3.2:latest", backend.recorded()[0].Model)

	def := reg.Definition(NodeType)
	var options []string
	for _, meta := range def.ParamsMeta {
		if meta.Name == "model" {
			options = meta.Options
		}
	}
	assert.Equal(t, []string{"llama3.2:latest", "qwen3:8b"}, options)
}

func TestExecuteNoLocalModels(t *testing.T) {
	backend := &fakeBackend{models: []string{}}
	n, _ := newChatNode(t, backend, nil, map[string]any{"model": ""})

	_, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
	assert.ErrorIs(t, err, ErrNoLocalModels)
}

func TestExecuteDiscoveryFailure(t *testing.T) {
	backend := &fakeBackend{listErr: errors.New("connection refused")}
	n, _ := newChatNode(t, backend, nil, map[string]any{"model": ""})

	res, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
	require.NoError(t, err)

	metrics := res["metrics"].(map[string]any)
	assert.Contains(t, metrics["error"], "connection refused")
	msg := res["message"].(map[string]any)
	assert.Equal(t, "", msg["content"])
	assert.Empty(t, backend.recorded())
}

func TestExecuteBackendError(t *testing.T) {
	backend := &fakeBackend{chatErr: errors.New("model runner crashed")}
	n, _ := newChatNode(t, backend, nil, nil)

	res, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
	require.NoError(t, err)

	metrics := res["metrics"].(map[string]any)
	assert.Equal(t, "model runner crashed", metrics["error"])
	msg := res["message"].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "", msg["content"])
}

func TestToolLoop(t *testing.T) {
	tools := tool.NewRegistry()
	require.NoError(t, tools.RegisterSchema("get_time", map[string]any{
		"type":     "function",
		"function": map[string]any{"name": "get_time", "parameters": map[string]any{}},
	}))
	require.NoError(t, tools.RegisterHandler("get_time", func(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
		return map[string]any{"time": "12:00"}, nil
	}))

	backend := &fakeBackend{scripted: []*model.ChatResponse{
		toolCallResponse("get_time", map[string]any{"zone": "UTC"}),
		assistantResponse("It is noon."),
	}}
	n, _ := newChatNode(t, backend, tools, nil)

	res, err := n.Execute(context.Background(), node.Inputs{
		"prompt": "what time is it?",
		"tools":  []any{tools.Schema("get_time")},
	})
	require.NoError(t, err)

	msg := res["message"].(map[string]any)
	assert.Equal(t, "It is noon.", msg["content"])

	history := res["tool_history"].([]map[string]any)
	require.Len(t, history, 1)
	call := history[0]["call"].(map[string]any)
	fn := call["function"].(map[string]any)
	assert.Equal(t, "get_time", fn["name"])
	assert.Equal(t, map[string]any{"time": "12:00"}, history[0]["result"])

	reqs := backend.recorded()
	require.Len(t, reqs, 2)
	assert.NotNil(t, reqs[0].Tools)
	assert.Nil(t, reqs[1].Tools)

	// The resolution round carries the assistant call and the tool reply.
	msgs := reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, model.RoleTool, msgs[2].Role)
	assert.Equal(t, "get_time", msgs[2].ToolName)
	assert.JSONEq(t, `{"time":"12:00"}`, msgs[2].Content)
}

func TestToolLoopBudget(t *testing.T) {
	tools := tool.NewRegistry()
	require.NoError(t, tools.RegisterHandler("probe", func(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
		return "done", nil
	}))

	// The model would keep calling tools forever; the budget cuts it off
	// after one round and the final call goes out without tools.
	backend := &fakeBackend{scripted: []*model.ChatResponse{
		toolCallResponse("probe", map[string]any{}),
		assistantResponse("Tool executed"),
		assistantResponse("never reached"),
	}}
	n, _ := newChatNode(t, backend, tools, map[string]any{"max_tool_iters": 1})

	res, err := n.Execute(context.Background(), node.Inputs{
		"prompt": "go",
		"tools":  []any{map[string]any{"type": "function", "function": map[string]any{"name": "probe"}}},
	})
	require.NoError(t, err)

	reqs := backend.recorded()
	require.Len(t, reqs, 2)
	assert.NotNil(t, reqs[0].Tools)
	assert.Nil(t, reqs[1].Tools)

	assert.Equal(t, "Tool executed", res["message"].(map[string]any)["content"])
	assert.Len(t, res["tool_history"], 1)
}

func TestToolUnknown(t *testing.T) {
	backend := &fakeBackend{scripted: []*model.ChatResponse{
		toolCallResponse("nope", map[string]any{}),
		assistantResponse("sorry"),
	}}
	n, _ := newChatNode(t, backend, tool.NewRegistry(), nil)

	res, err := n.Execute(context.Background(), node.Inputs{
		"prompt": "go",
		"tools":  []any{map[string]any{"type": "function", "function": map[string]any{"name": "nope"}}},
	})
	require.NoError(t, err)

	history := res["tool_history"].([]map[string]any)
	require.Len(t, history, 1)
	result := history[0]["result"].(map[string]any)
	assert.Equal(t, "unknown_tool", result["error"])

	toolMsg := backend.recorded()[1].Messages[2]
	assert.Equal(t, model.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "unknown_tool")
}

func TestToolTimeout(t *testing.T) {
	tools := tool.NewRegistry()
	require.NoError(t, tools.RegisterHandler("slow", func(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}))

	backend := &fakeBackend{scripted: []*model.ChatResponse{
		toolCallResponse("slow", map[string]any{}),
		assistantResponse("gave up"),
	}}
	n, _ := newChatNode(t, backend, tools, map[string]any{"tool_timeout_s": 0})

	res, err := n.Execute(context.Background(), node.Inputs{
		"prompt": "go",
		"tools":  []any{map[string]any{"type": "function", "function": map[string]any{"name": "slow"}}},
	})
	require.NoError(t, err)

	result := res["tool_history"].([]map[string]any)[0]["result"].(map[string]any)
	assert.Equal(t, "timeout", result["error"])
	assert.Equal(t, "Tool slow timed out after 0s", result["message"])
}

func TestToolPanicAndError(t *testing.T) {
	tools := tool.NewRegistry()
	require.NoError(t, tools.RegisterHandler("panics", func(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
		panic("boom")
	}))
	require.NoError(t, tools.RegisterHandler("fails", func(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
		return nil, errors.New("bad args")
	}))

	backend := &fakeBackend{scripted: []*model.ChatResponse{
		{
			Message: model.Message{
				Role: model.RoleAssistant,
				ToolCalls: []model.ToolCall{
					{Function: model.FunctionCall{Name: "panics", Arguments: map[string]any{}}},
					{Function: model.FunctionCall{Name: "fails", Arguments: map[string]any{}}},
				},
			},
			Done: true,
		},
		assistantResponse("recovered"),
	}}
	n, _ := newChatNode(t, backend, tools, nil)

	res, err := n.Execute(context.Background(), node.Inputs{
		"prompt": "go",
		"tools":  []any{map[string]any{"type": "function", "function": map[string]any{"name": "panics"}}},
	})
	require.NoError(t, err)

	history := res["tool_history"].([]map[string]any)
	require.Len(t, history, 2)
	first := history[0]["result"].(map[string]any)
	assert.Equal(t, "exception", first["error"])
	assert.Equal(t, "boom", first["message"])
	second := history[1]["result"].(map[string]any)
	assert.Equal(t, "exception", second["error"])
	assert.Equal(t, "bad args", second["message"])
}

func TestToolContext(t *testing.T) {
	tools := tool.NewRegistry()
	require.NoError(t, tools.RegisterCredential("search_api", func() (string, error) { return "key-123", nil }))

	var got *tool.Context
	require.NoError(t, tools.RegisterHandler("inspect", func(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
		got = tc
		return "ok", nil
	}))

	backend := &fakeBackend{scripted: []*model.ChatResponse{
		toolCallResponse("inspect", map[string]any{}),
		assistantResponse("done"),
	}}
	n, _ := newChatNode(t, backend, tools, map[string]any{"host": "http://example:11434"})

	_, err := n.Execute(context.Background(), node.Inputs{
		"prompt": "go",
		"tools":  []any{map[string]any{"type": "function", "function": map[string]any{"name": "inspect"}}},
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "http://example:11434", got.Host)
	require.Contains(t, got.Credentials, "search_api")
	key, err := got.Credentials["search_api"]()
	require.NoError(t, err)
	assert.Equal(t, "key-123", key)
}

func TestSeedModes(t *testing.T) {
	run := func(t *testing.T, n *chatNode, backend *fakeBackend) int64 {
		t.Helper()
		backend.mu.Lock()
		backend.scripted = append(backend.scripted, assistantResponse("ok"))
		backend.mu.Unlock()
		res, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
		require.NoError(t, err)
		return res["metrics"].(map[string]any)["seed"].(int64)
	}

	t.Run("fixed", func(t *testing.T) {
		backend := &fakeBackend{}
		n, _ := newChatNode(t, backend, nil, map[string]any{"seed": 9, "seed_mode": "fixed"})
		assert.Equal(t, int64(9), run(t, n, backend))
		assert.Equal(t, int64(9), run(t, n, backend))
	})

	t.Run("increment", func(t *testing.T) {
		backend := &fakeBackend{}
		n, _ := newChatNode(t, backend, nil, map[string]any{"seed": 100, "seed_mode": "increment"})
		assert.Equal(t, int64(100), run(t, n, backend))
		assert.Equal(t, int64(101), run(t, n, backend))
		assert.Equal(t, int64(102), run(t, n, backend))
	})

	t.Run("random", func(t *testing.T) {
		backend := &fakeBackend{}
		n, _ := newChatNode(t, backend, nil, map[string]any{"seed_mode": "random"})
		seed := run(t, n, backend)
		assert.GreaterOrEqual(t, seed, int64(0))
		assert.Less(t, seed, int64(1)<<31)
	})
}

func TestJSONMode(t *testing.T) {
	t.Run("parsed", func(t *testing.T) {
		backend := &fakeBackend{scripted: []*model.ChatResponse{assistantResponse(`{"signal": "buy", "confidence": 0.9}`)}}
		n, _ := newChatNode(t, backend, nil, map[string]any{"json_mode": true})

		res, err := n.Execute(context.Background(), node.Inputs{"prompt": "analyze"})
		require.NoError(t, err)

		msg := res["message"].(map[string]any)
		content, ok := msg["content"].(map[string]any)
		require.True(t, ok, "content should be replaced by the parsed value")
		assert.Equal(t, "buy", content["signal"])
		assert.Equal(t, 0.9, content["confidence"])

		assert.NotContains(t, res["metrics"].(map[string]any), "parse_error")
		assert.Equal(t, "json", backend.recorded()[0].Format)
	})

	t.Run("repaired", func(t *testing.T) {
		backend := &fakeBackend{scripted: []*model.ChatResponse{assistantResponse("```json\n{'signal': 'sell'}\n```")}}
		n, _ := newChatNode(t, backend, nil, map[string]any{"json_mode": true})

		res, err := n.Execute(context.Background(), node.Inputs{"prompt": "analyze"})
		require.NoError(t, err)

		content, ok := res["message"].(map[string]any)["content"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "sell", content["signal"])
	})

	t.Run("parse error keeps content", func(t *testing.T) {
		backend := &fakeBackend{scripted: []*model.ChatResponse{assistantResponse("")}}
		n, _ := newChatNode(t, backend, nil, map[string]any{"json_mode": true})

		res, err := n.Execute(context.Background(), node.Inputs{"prompt": "analyze"})
		require.NoError(t, err)

		msg := res["message"].(map[string]any)
		assert.Equal(t, "", msg["content"])
		assert.NotEmpty(t, res["metrics"].(map[string]any)["parse_error"])
	})
}

func TestMarkerScan(t *testing.T) {
	cases := []struct {
		name    string
		content string
		query   string
		found   bool
	}{
		{"end marker", "thinking _TOOL_WEB_SEARCH_: btc price _TOOL_END_: rest", "btc price", true},
		{"result marker", "_TOOL_WEB_SEARCH_: eth news _RESULT_: here", "eth news", true},
		{"end of string", "search: _TOOL_WEB_SEARCH_: gold outlook", "gold outlook", true},
		{"result before end", "_TOOL_WEB_SEARCH_: a _RESULT_: x _TOOL_END_: y", "a", true},
		{"no marker", "plain response", "", false},
		{"empty query", "_TOOL_WEB_SEARCH_: _TOOL_END_:", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			query, found := scanToolMarker(tc.content)
			assert.Equal(t, tc.found, found)
			assert.Equal(t, tc.query, query)
		})
	}
}

func TestMarkerAppendsToolCall(t *testing.T) {
	backend := &fakeBackend{scripted: []*model.ChatResponse{
		assistantResponse("Let me check. _TOOL_WEB_SEARCH_: btc halving date _TOOL_END_:"),
	}}
	n, _ := newChatNode(t, backend, nil, nil)

	res, err := n.Execute(context.Background(), node.Inputs{"prompt": "when is the halving?"})
	require.NoError(t, err)

	msg := res["message"].(map[string]any)
	assert.Equal(t, tool.WebSearchName, msg["tool_name"])

	calls, ok := msg["tool_calls"].([]any)
	require.True(t, ok)
	require.Len(t, calls, 1)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, tool.WebSearchName, fn["name"])
	assert.Equal(t, map[string]any{"query": "btc halving date"}, fn["arguments"])
}

func TestToolNameNullWithoutCalls(t *testing.T) {
	backend := &fakeBackend{scripted: []*model.ChatResponse{assistantResponse("plain")}}
	n, _ := newChatNode(t, backend, nil, nil)

	res, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
	require.NoError(t, err)

	msg := res["message"].(map[string]any)
	v, present := msg["tool_name"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestThinkingHistory(t *testing.T) {
	backend := &fakeBackend{scripted: []*model.ChatResponse{
		{
			Message: model.Message{
				Role:     model.RoleAssistant,
				Thinking: "the user wants the time",
				ToolCalls: []model.ToolCall{
					{Function: model.FunctionCall{Name: "get_time", Arguments: map[string]any{}}},
				},
			},
			Done: true,
		},
		{
			Message: model.Message{Role: model.RoleAssistant, Content: "noon", Thinking: "tool said noon"},
			Done:    true,
			Metrics: model.Metrics{EvalCount: 3},
		},
	}}
	tools := tool.NewRegistry()
	require.NoError(t, tools.RegisterHandler("get_time", func(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
		return "12:00", nil
	}))
	n, _ := newChatNode(t, backend, tools, map[string]any{"think": true})

	res, err := n.Execute(context.Background(), node.Inputs{
		"prompt": "time?",
		"tools":  []any{map[string]any{"type": "function", "function": map[string]any{"name": "get_time"}}},
	})
	require.NoError(t, err)

	thinking := res["thinking_history"].([]map[string]any)
	require.Len(t, thinking, 2)
	assert.Equal(t, "the user wants the time", thinking[0]["thinking"])
	assert.Equal(t, 0, thinking[0]["iteration"])
	assert.Equal(t, "tool said noon", thinking[1]["thinking"])
	assert.Equal(t, 1, thinking[1]["iteration"])

	assert.True(t, backend.recorded()[0].Think)
}

func TestContextClamp(t *testing.T) {
	messages := []any{map[string]any{"role": "user", "content": "hi"}}

	t.Run("set when absent", func(t *testing.T) {
		backend := &fakeBackend{maxCtx: 8192, maxCtxOK: true, scripted: []*model.ChatResponse{assistantResponse("ok")}}
		n, _ := newChatNode(t, backend, nil, nil)
		_, err := n.Execute(context.Background(), node.Inputs{"messages": messages})
		require.NoError(t, err)
		assert.Equal(t, 8192, backend.recorded()[0].Options["num_ctx"])
	})

	t.Run("clamped when above window", func(t *testing.T) {
		backend := &fakeBackend{maxCtx: 4096, maxCtxOK: true, scripted: []*model.ChatResponse{assistantResponse("ok")}}
		n, _ := newChatNode(t, backend, nil, map[string]any{"options": map[string]any{"num_ctx": 32768}})
		_, err := n.Execute(context.Background(), node.Inputs{"messages": messages})
		require.NoError(t, err)
		assert.Equal(t, 4096, backend.recorded()[0].Options["num_ctx"])
	})

	t.Run("kept when below window", func(t *testing.T) {
		backend := &fakeBackend{maxCtx: 8192, maxCtxOK: true, scripted: []*model.ChatResponse{assistantResponse("ok")}}
		n, _ := newChatNode(t, backend, nil, map[string]any{"options": map[string]any{"num_ctx": 2048}})
		_, err := n.Execute(context.Background(), node.Inputs{"messages": messages})
		require.NoError(t, err)
		assert.Equal(t, 2048, backend.recorded()[0].Options["num_ctx"])
	})

	t.Run("skipped for prompt only", func(t *testing.T) {
		backend := &fakeBackend{maxCtx: 8192, maxCtxOK: true, scripted: []*model.ChatResponse{assistantResponse("ok")}}
		n, _ := newChatNode(t, backend, nil, nil)
		_, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
		require.NoError(t, err)
		assert.Equal(t, 0, backend.maxCtxCalls)
		assert.NotContains(t, backend.recorded()[0].Options, "num_ctx")
	})
}

func TestStartStreaming(t *testing.T) {
	backend := &fakeBackend{
		scripted: []*model.ChatResponse{assistantResponse("")},
		deltas:   []string{"Hel", "lo", " world"},
	}
	n, _ := newChatNode(t, backend, nil, nil)

	partials, err := n.Start(context.Background(), node.Inputs{"prompt": "hi"})
	require.NoError(t, err)

	var progressive []string
	var final node.Partial
	for p := range partials {
		if p.Done {
			final = p
			continue
		}
		msg := p.Outputs["message"].(map[string]any)
		progressive = append(progressive, msg["content"].(string))
	}

	assert.Equal(t, []string{"Hel", "Hello", "Hello world"}, progressive)
	require.NotNil(t, final.Outputs)
	msg := final.Outputs["message"].(map[string]any)
	assert.Equal(t, "Hello world", msg["content"])
	assert.Contains(t, final.Outputs, "metrics")
	assert.Contains(t, final.Outputs, "tool_history")
}

func TestStartNoInput(t *testing.T) {
	n, _ := newChatNode(t, &fakeBackend{}, nil, nil)
	_, err := n.Start(context.Background(), node.Inputs{})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestStartCancelled(t *testing.T) {
	backend := &fakeBackend{block: true}
	n, _ := newChatNode(t, backend, nil, nil)

	partials, err := n.Start(context.Background(), node.Inputs{"prompt": "hi"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		n.Stop()
	}()

	var final node.Partial
	for p := range partials {
		if p.Done {
			final = p
		}
	}

	require.NotNil(t, final.Outputs)
	msg := final.Outputs["message"].(map[string]any)
	assert.Equal(t, "", msg["content"])
	metrics := final.Outputs["metrics"].(map[string]any)
	assert.Equal(t, "Cancelled", metrics["error"])
}

func TestExecuteCancelled(t *testing.T) {
	backend := &fakeBackend{block: true}
	n, _ := newChatNode(t, backend, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	n.Stop()
	n.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after stop")
	}
}

func TestStopBeforeRun(t *testing.T) {
	backend := &fakeBackend{block: true}
	n, _ := newChatNode(t, backend, nil, nil)

	n.Stop()
	_, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForceStop(t *testing.T) {
	backend := &fakeBackend{scripted: []*model.ChatResponse{assistantResponse("ok")}}
	n, _ := newChatNode(t, backend, nil, nil)

	_, err := n.Execute(context.Background(), node.Inputs{"prompt": "hi"})
	require.NoError(t, err)

	n.ForceStop()
	n.ForceStop()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"test-model"}, backend.cleanups)
}

func TestCollectTools(t *testing.T) {
	schema := func(name string) map[string]any {
		return map[string]any{"type": "function", "function": map[string]any{"name": name}}
	}
	in := node.Inputs{
		"tools": []any{schema("a"), schema("b")},
		"tool":  []any{schema("b"), schema("c"), []any{schema("a"), schema("d")}},
	}
	got := collectTools(in)
	var names []string
	for _, s := range got {
		names = append(names, toolName(s))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)
}

func TestParseKeepAlive(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want *time.Duration
	}{
		{"nil", nil, nil},
		{"empty string", "", nil},
		{"integer seconds", 90, durationPtr(90 * time.Second)},
		{"float seconds", 1.5, durationPtr(1500 * time.Millisecond)},
		{"numeric string", "45", durationPtr(45 * time.Second)},
		{"duration string", "5m", durationPtr(5 * time.Minute)},
		{"composite duration", "1h30m", durationPtr(90 * time.Minute)},
		{"garbage", "forever", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseKeepAlive(tc.in)
			if tc.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tc.want, *got)
		})
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func TestBuildConversation(t *testing.T) {
	t.Run("string messages input", func(t *testing.T) {
		msgs, err := buildConversation(node.Inputs{"messages": "just text"})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, model.RoleUser, msgs[0].Role)
	})

	t.Run("single mapping", func(t *testing.T) {
		msgs, err := buildConversation(node.Inputs{
			"messages": map[string]any{"role": "assistant", "content": "prior"},
		})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, model.RoleAssistant, msgs[0].Role)
	})

	t.Run("missing role defaults to user", func(t *testing.T) {
		msgs, err := buildConversation(node.Inputs{
			"messages": []any{map[string]any{"content": "hi"}},
		})
		require.NoError(t, err)
		assert.Equal(t, model.RoleUser, msgs[0].Role)
	})

	t.Run("bad role rejected", func(t *testing.T) {
		_, err := buildConversation(node.Inputs{
			"messages": []any{map[string]any{"role": "wizard", "content": "hi"}},
		})
		assert.Error(t, err)
	})

	t.Run("blank prompt alone is no input", func(t *testing.T) {
		_, err := buildConversation(node.Inputs{"prompt": "   "})
		assert.ErrorIs(t, err, ErrNoInput)
	})
}

func TestChatOptionsParam(t *testing.T) {
	got := chatOptions(map[string]any{"options": map[string]any{"top_p": 0.9}})
	assert.Equal(t, map[string]any{"top_p": 0.9}, got)

	got = chatOptions(map[string]any{"options": `{"num_ctx": 2048}`})
	assert.Equal(t, map[string]any{"num_ctx": float64(2048)}, got)

	got = chatOptions(map[string]any{"options": "not json"})
	assert.Empty(t, got)
}

// TestToolLoopAgainstOllamaWire drives the node through the real ollama
// backend against a scripted HTTP server: one tool round, then the
// budget forces a tool-free resolution call.
func TestToolLoopAgainstOllamaWire(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			json.NewEncoder(w).Encode(map[string]any{
				"model": "test-model",
				"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{
						{"function": map[string]any{"name": "get_time", "arguments": map[string]any{"zone": "UTC"}}},
					},
				},
				"done": true,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":      "test-model",
			"message":    map[string]any{"role": "assistant", "content": "Tool executed"},
			"done":       true,
			"eval_count": 3,
		})
	}))
	defer srv.Close()

	tools := tool.NewRegistry()
	require.NoError(t, tools.RegisterHandler("get_time", func(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
		return fmt.Sprintf("12:00 %v", args["zone"]), nil
	}))

	reg := node.NewRegistry()
	err := Register(reg, WithTools(tools), WithBackends(func(kind, host string) (model.Backend, error) {
		return ollama.New(host)
	}))
	require.NoError(t, err)

	inst, err := reg.New(1, NodeType, map[string]any{
		"model":          "test-model",
		"host":           srv.URL,
		"max_tool_iters": 1,
	})
	require.NoError(t, err)

	res, err := inst.(*chatNode).Execute(context.Background(), node.Inputs{
		"prompt": "what time is it?",
		"tools":  []any{map[string]any{"type": "function", "function": map[string]any{"name": "get_time", "parameters": map[string]any{"type": "object"}}}},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "Tool executed", res["message"].(map[string]any)["content"])
	assert.Len(t, res["tool_history"], 1)
}
