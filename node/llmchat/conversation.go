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
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/model"
	"trpc.group/trpc-go/trpc-quantflow/node"
)

// buildConversation assembles the message list from the node inputs:
// the messages input in order, the prompt appended as a trailing user
// message, and the system input prepended unless a system message is
// already present. An empty conversation is ErrNoInput.
func buildConversation(in node.Inputs) ([]model.Message, error) {
	var msgs []model.Message
	if v, ok := in["messages"]; ok && v != nil {
		decoded, err := decodeMessages(v)
		if err != nil {
			return nil, fmt.Errorf("messages input: %w", err)
		}
		msgs = decoded
	}

	if v, ok := in["prompt"]; ok && v != nil {
		if prompt := strings.TrimSpace(asString(v)); prompt != "" {
			msgs = append(msgs, model.NewUserMessage(prompt))
		}
	}

	if len(msgs) == 0 {
		return nil, ErrNoInput
	}

	if v, ok := in["system"]; ok && v != nil && !hasSystemMessage(msgs) {
		sys, err := decodeSystem(v)
		if err != nil {
			return nil, fmt.Errorf("system input: %w", err)
		}
		if sys.Content != "" {
			msgs = append([]model.Message{sys}, msgs...)
		}
	}
	return msgs, nil
}

// decodeMessages accepts a message sequence, a single message mapping
// or a bare string (treated as one user message).
func decodeMessages(v any) ([]model.Message, error) {
	switch t := v.(type) {
	case string:
		return []model.Message{model.NewUserMessage(t)}, nil
	case map[string]any:
		msg, err := decodeMessage(t)
		if err != nil {
			return nil, err
		}
		return []model.Message{msg}, nil
	case []any:
		msgs := make([]model.Message, 0, len(t))
		for i, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("message %d: expected a mapping, got %T", i, item)
			}
			msg, err := decodeMessage(m)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			msgs = append(msgs, msg)
		}
		return msgs, nil
	case []model.Message:
		return t, nil
	}
	return nil, fmt.Errorf("expected a message sequence, got %T", v)
}

// decodeMessage converts one generic mapping into a typed message via a
// JSON round trip, defaulting a missing role to user.
func decodeMessage(m map[string]any) (model.Message, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return model.Message{}, err
	}
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.Message{}, err
	}
	if msg.Role == "" {
		msg.Role = model.RoleUser
	}
	if !msg.Role.IsValid() {
		return model.Message{}, fmt.Errorf("unknown role %q", msg.Role)
	}
	return msg, nil
}

func decodeSystem(v any) (model.Message, error) {
	switch t := v.(type) {
	case string:
		return model.NewSystemMessage(t), nil
	case map[string]any:
		msg, err := decodeMessage(t)
		if err != nil {
			return model.Message{}, err
		}
		msg.Role = model.RoleSystem
		return msg, nil
	}
	return model.NewSystemMessage(asString(v)), nil
}

func hasSystemMessage(msgs []model.Message) bool {
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			return true
		}
	}
	return false
}

// collectTools unions the tools sequence input with every tool
// multi-input link, deduplicated by function name with the first
// occurrence winning.
func collectTools(in node.Inputs) []map[string]any {
	var out []map[string]any
	seen := map[string]bool{}
	add := func(schema map[string]any) {
		name := toolName(schema)
		if name != "" && seen[name] {
			return
		}
		if name != "" {
			seen[name] = true
		}
		out = append(out, schema)
	}
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			add(t)
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	if v, ok := in["tools"]; ok {
		walk(v)
	}
	if v, ok := in["tool"]; ok {
		walk(v)
	}
	return out
}

// toolName digs the function name out of a tool schema.
func toolName(schema map[string]any) string {
	if fn, ok := schema["function"].(map[string]any); ok {
		if name, ok := fn["name"].(string); ok {
			return name
		}
	}
	if name, ok := schema["name"].(string); ok {
		return name
	}
	return ""
}

// parseKeepAlive interprets the keep_alive parameter: an integer is
// seconds, a string is either numeric seconds or a duration expression
// such as "5m" or "1h30m". Empty or unparseable means unset.
func parseKeepAlive(v any) *time.Duration {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		d := time.Duration(t) * time.Second
		return &d
	case int64:
		d := time.Duration(t) * time.Second
		return &d
	case float64:
		d := time.Duration(t * float64(time.Second))
		return &d
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			d := time.Duration(secs * float64(time.Second))
			return &d
		}
		if d, err := str2duration.ParseDuration(s); err == nil {
			return &d
		}
		log.Debugf("llmchat: ignoring unparseable keep_alive %q", s)
	}
	return nil
}

// chatOptions copies the options parameter, accepting either a mapping
// or a JSON object string.
func chatOptions(params map[string]any) map[string]any {
	out := map[string]any{}
	switch t := params["options"].(type) {
	case map[string]any:
		for k, v := range t {
			out[k] = v
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return out
		}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			log.Debugf("llmchat: ignoring unparseable options %q: %v", s, err)
			return map[string]any{}
		}
	}
	return out
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
