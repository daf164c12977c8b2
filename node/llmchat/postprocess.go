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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"trpc.group/trpc-go/trpc-quantflow/model"
	"trpc.group/trpc-go/trpc-quantflow/node"
	"trpc.group/trpc-go/trpc-quantflow/tool"
)

// Inline tool-invocation markers some models emit in plain content
// instead of structured tool calls.
const (
	toolMarker    = "_TOOL_WEB_SEARCH_:"
	resultMarker  = "_RESULT_:"
	toolEndMarker = "_TOOL_END_:"
)

// finalOutputs post-processes the user-facing assistant message and
// assembles the node outputs. The marker scan always runs against the
// original content, before JSON mode may replace it with a parsed value.
func (r *chatRun) finalOutputs(msg model.Message) node.Result {
	original := msg.Content

	if query, ok := scanToolMarker(original); ok {
		msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
			Function: model.FunctionCall{
				Name:      tool.WebSearchName,
				Arguments: map[string]any{"query": query},
			},
		})
	}
	if len(msg.ToolCalls) > 0 {
		msg.ToolName = msg.ToolCalls[0].Function.Name
	}

	message := messageMap(msg)
	if msg.ToolName == "" {
		message["tool_name"] = nil
	}
	if r.jsonMode {
		parsed, err := parseJSONContent(original)
		if err != nil {
			r.parseError = err.Error()
		} else {
			message["content"] = parsed
		}
	}

	return node.Result{
		"message":          message,
		"metrics":          r.metricsMap(),
		"tool_history":     emptyIfNil(r.toolHistory),
		"thinking_history": emptyIfNil(r.thinkingHistory),
	}
}

// messageMap renders a typed message as the generic mapping the graph
// transports.
func messageMap(msg model.Message) map[string]any {
	raw, err := json.Marshal(msg)
	if err != nil {
		return map[string]any{"role": msg.Role.String(), "content": msg.Content}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"role": msg.Role.String(), "content": msg.Content}
	}
	return out
}

// scanToolMarker extracts the query of an inline web-search invocation.
// The query runs from the marker to the first result or end marker, or
// to the end of the content.
func scanToolMarker(content string) (string, bool) {
	start := strings.Index(content, toolMarker)
	if start < 0 {
		return "", false
	}
	query := content[start+len(toolMarker):]
	if end := strings.Index(query, resultMarker); end >= 0 {
		query = query[:end]
	}
	if end := strings.Index(query, toolEndMarker); end >= 0 {
		query = query[:end]
	}
	query = strings.TrimSpace(query)
	return query, query != ""
}

// parseJSONContent decodes assistant content as JSON, falling back to a
// repair pass for the almost-JSON that models produce.
func parseJSONContent(content string) (any, error) {
	trimmed := strings.TrimSpace(content)
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed, nil
	}
	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, fmt.Errorf("content is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, fmt.Errorf("content is not valid JSON after repair: %w", err)
	}
	return parsed, nil
}
