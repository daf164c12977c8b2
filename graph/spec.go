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

// Package graph parses graph descriptions and executes them: batch graphs
// run every node once in topological order, streaming graphs multiplex
// node partials into incremental whole-graph ticks.
package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Spec is the wire description of a graph: the node list plus the links
// wiring node outputs to node inputs.
type Spec struct {
	Nodes []NodeSpec `json:"nodes"`
	Links []LinkSpec `json:"links"`
}

// NodeSpec describes one node instance in a graph description.
type NodeSpec struct {
	ID         int            `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// LinkSpec wires one source output slot to one destination input slot.
// The editor emits links as positional arrays, [4, 1, 0, 2, 0, "string"];
// the object form is accepted as well.
type LinkSpec struct {
	ID       int
	FromNode int
	FromSlot int
	ToNode   int
	ToSlot   int
	TypeTag  string
}

// ParseSpec decodes a graph description from JSON.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("invalid graph description: %w", err)
	}
	return &spec, nil
}

// UnmarshalJSON accepts both the positional array form and the object form.
func (l *LinkSpec) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		if len(parts) < 5 {
			return fmt.Errorf("link array needs at least 5 elements, got %d", len(parts))
		}
		for i, dst := range []*int{&l.ID, &l.FromNode, &l.FromSlot, &l.ToNode, &l.ToSlot} {
			if err := json.Unmarshal(parts[i], dst); err != nil {
				return fmt.Errorf("link element %d: %w", i, err)
			}
		}
		if len(parts) > 5 {
			// The trailing type tag is advisory; non-string tags are ignored.
			_ = json.Unmarshal(parts[5], &l.TypeTag)
		}
		return nil
	}

	var obj struct {
		ID       int    `json:"id"`
		FromNode int    `json:"from_node"`
		FromSlot int    `json:"from_slot"`
		ToNode   int    `json:"to_node"`
		ToSlot   int    `json:"to_slot"`
		TypeTag  string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	l.ID = obj.ID
	l.FromNode = obj.FromNode
	l.FromSlot = obj.FromSlot
	l.ToNode = obj.ToNode
	l.ToSlot = obj.ToSlot
	l.TypeTag = obj.TypeTag
	return nil
}

// MarshalJSON renders the positional array form the editor expects.
func (l LinkSpec) MarshalJSON() ([]byte, error) {
	if l.TypeTag == "" {
		return json.Marshal([]any{l.ID, l.FromNode, l.FromSlot, l.ToNode, l.ToSlot})
	}
	return json.Marshal([]any{l.ID, l.FromNode, l.FromSlot, l.ToNode, l.ToSlot, l.TypeTag})
}
