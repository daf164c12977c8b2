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
	"trpc.group/trpc-go/trpc-quantflow/log"
)

// Emitter delivers coarse progress updates for a graph run. A nil Emitter
// is a no-op, so callers never have to guard their Emit calls.
type Emitter struct {
	fn func(percent float64, text string)
}

// NewEmitter wraps a progress callback.
func NewEmitter(fn func(percent float64, text string)) *Emitter {
	return &Emitter{fn: fn}
}

// Emit clamps percent to [0, 100] and delivers it with the message.
func (e *Emitter) Emit(percent float64, text string) {
	if e == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	log.Debugf("progress %.1f%%: %s", percent, text)
	if e.fn != nil {
		e.fn(percent, text)
	}
}
