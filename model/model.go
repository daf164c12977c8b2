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

// Package model defines the backend-neutral chat types shared by the
// workbench's language-model providers, and the Backend contract the
// chat node drives them through.
package model

import (
	"context"
	"time"
)

// Role represents the role of a message author.
type Role string

// Role constants for message authors.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is one of the defined constants.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Message represents a single message in a conversation. Its JSON shape
// is the one graphs carry on message inputs and outputs, so a message
// mapping round-trips through encoding/json without translation.
type Message struct {
	// Role is the role of the message author.
	Role Role `json:"role"`
	// Content is the message content.
	Content string `json:"content"`
	// Thinking is the reasoning trace emitted by thinking-capable models.
	Thinking string `json:"thinking,omitempty"`
	// Images holds base64-encoded image payloads for vision models.
	Images []string `json:"images,omitempty"`
	// ToolCalls is the tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolName is the name of the tool a tool-role message answers for.
	ToolName string `json:"tool_name,omitempty"`
	// ToolID correlates a tool-role message with the call that produced it.
	// Backends that key tool results by call id use it; others ignore it.
	ToolID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents a single tool invocation requested by the model.
type ToolCall struct {
	// ID is the backend-assigned identifier of the call, when one exists.
	ID string `json:"id,omitempty"`
	// Function carries the name and arguments of the call.
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name and decoded arguments of a tool call.
type FunctionCall struct {
	// Name is the name of the tool to invoke.
	Name string `json:"name"`
	// Arguments is the decoded argument object.
	Arguments map[string]any `json:"arguments"`
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage creates a new tool result message.
func NewToolMessage(toolName, content string) Message {
	return Message{Role: RoleTool, ToolName: toolName, Content: content}
}

// Metrics carries the per-call measurements a backend reports alongside
// a completed response. Durations are native; callers convert to the
// unit they expose.
type Metrics struct {
	// TotalDuration is the wall time of the whole call.
	TotalDuration time.Duration
	// LoadDuration is the time spent loading the model.
	LoadDuration time.Duration
	// PromptEvalCount is the number of prompt tokens evaluated.
	PromptEvalCount int
	// PromptEvalDuration is the time spent evaluating the prompt.
	PromptEvalDuration time.Duration
	// EvalCount is the number of tokens generated.
	EvalCount int
	// EvalDuration is the time spent generating.
	EvalDuration time.Duration
}

// Add accumulates another call's measurements into m.
func (m *Metrics) Add(other Metrics) {
	m.TotalDuration += other.TotalDuration
	m.LoadDuration += other.LoadDuration
	m.PromptEvalCount += other.PromptEvalCount
	m.PromptEvalDuration += other.PromptEvalDuration
	m.EvalCount += other.EvalCount
	m.EvalDuration += other.EvalDuration
}

// ChatRequest is a single chat round handed to a backend. Whether the
// round streams is decided by the Backend method invoked, not by the
// request.
type ChatRequest struct {
	// Model is the model name to run.
	Model string
	// Messages is the conversation so far.
	Messages []Message
	// Tools is the tool schemas offered to the model, each an object of
	// the form {type: "function", function: {name, description, parameters}}.
	// Nil withholds tools entirely.
	Tools []map[string]any
	// Think asks the model for a reasoning trace when it supports one.
	Think bool
	// Format constrains the output format; "json" forces a JSON object.
	Format string
	// Options carries backend-specific sampling overrides such as
	// temperature, seed and num_ctx.
	Options map[string]any
	// KeepAlive controls how long the backend keeps the model resident
	// after the call. Nil leaves the backend default in place.
	KeepAlive *time.Duration
}

// ChatResponse is a backend's answer to one chat round. In streaming
// mode intermediate responses carry deltas and Done is false until the
// terminal one.
type ChatResponse struct {
	// Model is the model that produced the response.
	Model string
	// Message is the assistant message, or the accumulated delta.
	Message Message
	// Done reports whether this response terminates the round.
	Done bool
	// Metrics is populated on the terminal response.
	Metrics Metrics
}

// StreamFunc receives every chunk of a streaming chat round. Returning
// an error aborts the stream and surfaces the error from ChatStream.
type StreamFunc func(chunk *ChatResponse) error

// Backend is the provider contract the chat node drives. Implementations
// are safe for concurrent use.
type Backend interface {
	// Chat runs one blocking chat round and returns the final response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream runs one chat round, invoking fn for every chunk, and
	// returns the assembled final response.
	ChatStream(ctx context.Context, req *ChatRequest, fn StreamFunc) (*ChatResponse, error)

	// MaxContext reports the model's maximum context window in tokens.
	// The second result is false when the backend cannot determine one;
	// lookups are bounded so an absent backend never blocks a caller.
	MaxContext(ctx context.Context, model string) (int, bool)

	// ListModels returns the names of the models installed on the backend.
	ListModels(ctx context.Context) ([]string, error)

	// Cleanup releases per-model resources best-effort: idle connections
	// are dropped and the backend is asked to unload the model.
	Cleanup(model string)
}
