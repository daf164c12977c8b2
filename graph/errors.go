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

package graph

import (
	"errors"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-quantflow/node"
)

var (
	// ErrCycleDetected reports that the links form a cycle.
	ErrCycleDetected = errors.New("cycle detected in graph")
	// ErrUnknownNodeType mirrors the catalog sentinel so callers can check
	// construction failures against either package.
	ErrUnknownNodeType = node.ErrUnknownNodeType
)

// LinkError reports an invalid link in the graph description.
type LinkError struct {
	LinkID int
	Reason string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %d invalid: %s", e.LinkID, e.Reason)
}

// InputValidationError reports input values that failed a node's declared
// schema checks.
type InputValidationError struct {
	NodeID  int
	Details []string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("node %d input validation failed: %s", e.NodeID, strings.Join(e.Details, "; "))
}

// NodeExecutionError wraps the error a node returned while executing.
type NodeExecutionError struct {
	NodeID int
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %d execution failed: %v", e.NodeID, e.Err)
}

// Unwrap exposes the node's original error to errors.Is and errors.As.
func (e *NodeExecutionError) Unwrap() error { return e.Err }
