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

import "context"

// WebSearchName is the built-in web search tool. Its schema ships with
// the registry so models can request searches; deployments bind a real
// handler at startup.
const WebSearchName = "web_search"

// registerDefaults seeds the built-in tools. The caller holds r.mu.
func registerDefaults(r *Registry) {
	r.schemas[WebSearchName] = map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        WebSearchName,
			"description": "Search the web and return the most relevant results for a query.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
					"freshness": map[string]any{
						"type":        "string",
						"description": "Restrict results to a recency window.",
						"enum":        []any{"day", "week", "month", "year"},
						"default":     "week",
					},
				},
				"required": []any{"query"},
			},
		},
	}
	r.handlers[WebSearchName] = func(ctx context.Context, args map[string]any, tc *Context) (any, error) {
		return map[string]any{
			"error":   "handler_not_configured",
			"message": "web_search has no handler bound; configure one at startup",
		}, nil
	}
}
