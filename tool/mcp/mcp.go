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

// Package mcp imports the tools of a remote MCP server into a tool
// registry. Each imported tool relays its calls over a shared
// streamable-HTTP session.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	mcp "trpc.group/trpc-go/trpc-mcp-go"

	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/tool"
)

const defaultTimeout = 30 * time.Second

var clientInfo = mcp.Implementation{
	Name:    "quantflow",
	Version: "1.0.0",
}

// Config selects the MCP server to import from.
type Config struct {
	// ServerURL is the streamable HTTP endpoint.
	ServerURL string
	// Headers are attached to every request (authentication).
	Headers map[string]string
	// Timeout bounds the handshake and tool listing. Zero means the
	// default of 30 seconds.
	Timeout time.Duration
}

// Session is a live connection to one MCP server. Closing it invalidates
// the handlers registered through Import.
type Session struct {
	client mcp.Connector
	names  []string
}

// Import connects to the server, lists its tools and registers each into
// reg: the schema under the remote tool name plus a handler relaying
// calls over the session.
func Import(ctx context.Context, reg *tool.Registry, cfg Config) (*Session, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("mcp: server URL must not be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	options := []mcp.ClientOption{
		mcp.WithClientLogger(mcp.GetDefaultLogger()),
	}
	if len(cfg.Headers) > 0 {
		headers := http.Header{}
		for k, v := range cfg.Headers {
			headers.Set(k, v)
		}
		options = append(options, mcp.WithHTTPHeaders(headers))
	}

	client, err := mcp.NewClient(cfg.ServerURL, clientInfo, options...)
	if err != nil {
		return nil, fmt.Errorf("mcp: create client for %s: %w", cfg.ServerURL, err)
	}
	return importTools(ctx, reg, client, cfg.ServerURL, timeout)
}

// importTools runs the handshake and registration against an established
// connector.
func importTools(ctx context.Context, reg *tool.Registry, client mcp.Connector, serverURL string, timeout time.Duration) (*Session, error) {
	setupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := client.Initialize(setupCtx, &mcp.InitializeRequest{}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp: initialize session with %s: %w", serverURL, err)
	}

	listResp, err := client.ListTools(setupCtx, &mcp.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp: list tools from %s: %w", serverURL, err)
	}

	s := &Session{client: client}
	for _, mcpTool := range listResp.Tools {
		name := mcpTool.Name
		schema := map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        name,
				"description": mcpTool.Description,
				"parameters":  parametersOf(mcpTool),
			},
		}
		if err := reg.RegisterSchema(name, schema); err != nil {
			log.Warnf("mcp: skip tool %q: %v", name, err)
			continue
		}
		if err := reg.RegisterHandler(name, s.handler(name)); err != nil {
			log.Warnf("mcp: skip tool %q: %v", name, err)
			continue
		}
		s.names = append(s.names, name)
	}

	log.Infof("mcp: imported %d tools from %s", len(s.names), serverURL)
	return s, nil
}

// Names returns the imported tool names in server order.
func (s *Session) Names() []string {
	return s.names
}

// Close tears the session down.
func (s *Session) Close() error {
	return s.client.Close()
}

func (s *Session) handler(name string) tool.Handler {
	return func(ctx context.Context, args map[string]any, tc *tool.Context) (any, error) {
		callReq := &mcp.CallToolRequest{}
		callReq.Params.Name = name
		callReq.Params.Arguments = args

		resp, err := s.client.CallTool(ctx, callReq)
		if err != nil {
			return nil, fmt.Errorf("call tool %s: %w", name, err)
		}
		text := textOf(resp.Content)
		if resp.IsError {
			return nil, fmt.Errorf("tool %s returned error: %s", name, text)
		}
		return text, nil
	}
}

// parametersOf converts the server-declared input schema to a plain map.
func parametersOf(t mcp.Tool) map[string]any {
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || len(out) == 0 {
		return map[string]any{"type": "object"}
	}
	return out
}

func textOf(contents []mcp.Content) string {
	var parts []string
	for _, c := range contents {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
