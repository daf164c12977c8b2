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

package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mcp "trpc.group/trpc-go/trpc-mcp-go"

	"trpc.group/trpc-go/trpc-quantflow/tool"
)

type stubConnector struct {
	tools           []mcp.Tool
	initializeError error
	callFn          func(req *mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed          bool
}

func (s *stubConnector) Initialize(ctx context.Context, req *mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if s.initializeError != nil {
		return nil, s.initializeError
	}
	result := &mcp.InitializeResult{ProtocolVersion: "2024-11-05"}
	result.ServerInfo.Name = "stub-server"
	result.ServerInfo.Version = "1.0.0"
	return result, nil
}

func (s *stubConnector) ListTools(ctx context.Context, req *mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: s.tools}, nil
}

func (s *stubConnector) CallTool(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.callFn != nil {
		return s.callFn(req)
	}
	return &mcp.CallToolResult{}, nil
}

func (s *stubConnector) Close() error {
	s.closed = true
	return nil
}

func (s *stubConnector) GetState() mcp.State { return mcp.StateInitialized }

func (s *stubConnector) ListPrompts(_ context.Context, _ *mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	return nil, nil
}

func (s *stubConnector) GetPrompt(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return nil, nil
}

func (s *stubConnector) ListResources(_ context.Context, _ *mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return nil, nil
}

func (s *stubConnector) ReadResource(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return nil, nil
}

func (s *stubConnector) RegisterNotificationHandler(_ string, _ mcp.NotificationHandler) {}

func (s *stubConnector) UnregisterNotificationHandler(_ string) {}

func (s *stubConnector) SetRootsProvider(_ mcp.RootsProvider) {}

func (s *stubConnector) SendRootsListChangedNotification(_ context.Context) error { return nil }

func TestImportRequiresServerURL(t *testing.T) {
	_, err := Import(context.Background(), tool.NewRegistry(), Config{})
	require.Error(t, err)
}

func TestImportRegistersRemoteTools(t *testing.T) {
	stub := &stubConnector{
		tools: []mcp.Tool{
			{Name: "search_docs", Description: "Search internal docs"},
			{Name: "ticker_news", Description: "Latest news for a ticker"},
		},
	}
	reg := tool.NewRegistry()

	s, err := importTools(context.Background(), reg, stub, "stub://", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"search_docs", "ticker_news"}, s.Names())

	schema := reg.Schema("search_docs")
	require.NotNil(t, schema)
	fn := schema["function"].(map[string]any)
	assert.Equal(t, "search_docs", fn["name"])
	assert.Equal(t, "Search internal docs", fn["description"])
	assert.NotNil(t, fn["parameters"])

	require.NotNil(t, reg.HandlerFor("ticker_news"))
}

func TestImportHandshakeFailureClosesClient(t *testing.T) {
	stub := &stubConnector{initializeError: errors.New("unreachable")}

	_, err := importTools(context.Background(), tool.NewRegistry(), stub, "stub://", time.Second)
	require.Error(t, err)
	assert.True(t, stub.closed)
}

func TestHandlerRelaysTextContent(t *testing.T) {
	stub := &stubConnector{
		tools: []mcp.Tool{{Name: "echo", Description: "Echo"}},
		callFn: func(req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("hello " + req.Params.Arguments["name"].(string)),
				},
			}, nil
		},
	}
	reg := tool.NewRegistry()
	_, err := importTools(context.Background(), reg, stub, "stub://", time.Second)
	require.NoError(t, err)

	h := reg.HandlerFor("echo")
	require.NotNil(t, h)
	got, err := h(context.Background(), map[string]any{"name": "world"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestHandlerSurfacesToolErrors(t *testing.T) {
	stub := &stubConnector{
		tools: []mcp.Tool{{Name: "broken", Description: "Always fails"}},
		callFn: func(req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{mcp.NewTextContent("backend exploded")},
			}, nil
		},
	}
	reg := tool.NewRegistry()
	_, err := importTools(context.Background(), reg, stub, "stub://", time.Second)
	require.NoError(t, err)

	_, err = reg.HandlerFor("broken")(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestSessionClose(t *testing.T) {
	stub := &stubConnector{tools: []mcp.Tool{}}
	s, err := importTools(context.Background(), tool.NewRegistry(), stub, "stub://", time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.True(t, stub.closed)
}
