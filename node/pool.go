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

package node

import (
	"context"

	"github.com/panjf2000/ants/v2"
)

// Pool runs CPU-bound node work on a bounded goroutine pool so a single
// heavy indicator cannot starve the worker loop.
type Pool struct {
	inner *ants.Pool
}

// PoolUser is implemented by nodes that offload computation; the
// executor connects the shared pool before running them.
type PoolUser interface {
	SetPool(p *Pool)
}

// NewPool creates a pool with the given capacity.
func NewPool(size int) (*Pool, error) {
	inner, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &Pool{inner: inner}, nil
}

// Submit schedules fn and blocks until it finishes or ctx is cancelled.
// Admission to a saturated pool also waits under ctx. On cancellation
// the function may still run to completion in the background; its
// result must be discarded by the caller.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		err := p.inner.Submit(func() {
			defer close(done)
			fn()
		})
		if err != nil {
			errCh <- err
		}
	}()
	select {
	case <-done:
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release tears the pool down. Pending tasks are abandoned.
func (p *Pool) Release() {
	p.inner.Release()
}
