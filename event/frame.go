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

// Package event defines the wire frames exchanged with clients during an
// execution and the serialization rules that make node outputs JSON safe.
package event

import (
	"fmt"
	"strconv"
)

// Frame types understood by clients.
const (
	TypeStatus = "status"
	TypeData   = "data"
	TypeError  = "error"
)

// Status messages emitted over the lifetime of a job. Clients key UI state
// off these exact strings, so they are part of the protocol.
const (
	StatusWaiting        = "Waiting for available slot"
	StatusStarting       = "Starting execution"
	StatusExecutingBatch = "Executing batch"
	StatusStreamStarting = "Stream starting"
	StatusBatchFinished  = "Batch finished"
	StatusStreamFinished = "Stream finished"
	StatusStopped        = "Stopped"
)

// Frame is a single message sent to the client over the transport.
type Frame struct {
	Type    string                    `json:"type"`
	Message string                    `json:"message,omitempty"`
	Stream  *bool                     `json:"stream,omitempty"`
	Results map[string]map[string]any `json:"results,omitempty"`
}

// Status builds a status frame carrying msg.
func Status(msg string) Frame {
	return Frame{Type: TypeStatus, Message: msg}
}

// Errorf builds an error frame with a formatted message.
func Errorf(format string, args ...any) Frame {
	return Frame{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

// Data builds a data frame from per-node outputs. Node ids become string
// keys and every value passes through Sanitize. The results map is always
// non-nil so empty result sets encode as {} rather than null.
func Data(results map[int]map[string]any, stream bool) Frame {
	out := make(map[string]map[string]any, len(results))
	for id, outputs := range results {
		vals := make(map[string]any, len(outputs))
		for name, v := range outputs {
			vals[name] = Sanitize(v)
		}
		out[strconv.Itoa(id)] = vals
	}
	return Frame{Type: TypeData, Stream: &stream, Results: out}
}
