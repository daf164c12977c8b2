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

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleIsValid(t *testing.T) {
	for _, role := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		assert.True(t, role.IsValid())
	}
	assert.False(t, Role("operator").IsValid())
	assert.Equal(t, "assistant", RoleAssistant.String())
}

func TestMessageConstructors(t *testing.T) {
	assert.Equal(t, Message{Role: RoleSystem, Content: "be brief"}, NewSystemMessage("be brief"))
	assert.Equal(t, Message{Role: RoleUser, Content: "hi"}, NewUserMessage("hi"))
	assert.Equal(t, Message{Role: RoleAssistant, Content: "hello"}, NewAssistantMessage("hello"))
	assert.Equal(t,
		Message{Role: RoleTool, ToolName: "web_search", Content: `{"ok":true}`},
		NewToolMessage("web_search", `{"ok":true}`))
}

// Message mappings coming off a graph input must decode into Message and
// encode back without shape changes.
func TestMessageJSONRoundTrip(t *testing.T) {
	raw := `{
		"role": "assistant",
		"content": "",
		"tool_calls": [
			{"function": {"name": "get_price", "arguments": {"symbol": "BTC-USD"}}}
		]
	}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, RoleAssistant, msg.Role)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "get_price", msg.ToolCalls[0].Function.Name)
	assert.Equal(t, map[string]any{"symbol": "BTC-USD"}, msg.ToolCalls[0].Function.Arguments)

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestMetricsAdd(t *testing.T) {
	total := Metrics{
		TotalDuration:   time.Second,
		PromptEvalCount: 10,
		EvalCount:       5,
	}
	total.Add(Metrics{
		TotalDuration:      2 * time.Second,
		LoadDuration:       time.Second / 2,
		PromptEvalCount:    7,
		PromptEvalDuration: time.Second / 4,
		EvalCount:          3,
		EvalDuration:       time.Second / 8,
	})

	assert.Equal(t, 3*time.Second, total.TotalDuration)
	assert.Equal(t, time.Second/2, total.LoadDuration)
	assert.Equal(t, 17, total.PromptEvalCount)
	assert.Equal(t, time.Second/4, total.PromptEvalDuration)
	assert.Equal(t, 8, total.EvalCount)
	assert.Equal(t, time.Second/8, total.EvalDuration)
}
