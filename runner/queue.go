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

// Package runner admits graph submissions into a FIFO queue and drives
// them one at a time through a single worker, relaying lifecycle frames
// to each submitting client.
package runner

import (
	"context"
	"errors"
	"sync"

	"trpc.group/trpc-go/trpc-quantflow/event"
	"trpc.group/trpc-go/trpc-quantflow/graph"
	"trpc.group/trpc-go/trpc-quantflow/log"
)

// ErrQueueClosed is returned by Next once the queue has shut down.
var ErrQueueClosed = errors.New("runner: queue closed")

// Client is the submitting side of a job. Send delivers one frame,
// Done is closed when the client disconnects, and Close tears the
// connection down after a terminal error.
type Client interface {
	Send(frame *event.Frame) error
	Done() <-chan struct{}
	Close() error
}

// Job is one admitted graph submission.
type Job struct {
	ID     int64
	Client Client
	Graph  *graph.Spec

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once
}

func newJob(id int64, client Client, spec *graph.Spec) *Job {
	return &Job{
		ID:     id,
		Client: client,
		Graph:  spec,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// CancelRequested is closed once cancellation has been requested.
func (j *Job) CancelRequested() <-chan struct{} { return j.cancel }

// Cancelled reports whether cancellation was requested.
func (j *Job) Cancelled() bool {
	select {
	case <-j.cancel:
		return true
	default:
		return false
	}
}

// Done is closed exactly once, when the job finishes or is dropped.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) requestCancel() { j.cancelOnce.Do(func() { close(j.cancel) }) }

func (j *Job) markDone() { j.doneOnce.Do(func() { close(j.done) }) }

// Queue is the FIFO admission queue. At most one job is running at any
// time; cancelled jobs are dropped before pickup.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*Job
	running   *Job
	cancelled map[int64]struct{}
	nextID    int64
	closed    bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{cancelled: make(map[int64]struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits a submission and immediately tells the client it is
// waiting for a slot. After Close the job is dropped on arrival.
func (q *Queue) Enqueue(client Client, spec *graph.Spec) *Job {
	q.mu.Lock()
	q.nextID++
	job := newJob(q.nextID, client, spec)
	if q.closed {
		q.mu.Unlock()
		job.markDone()
		sendFrame(job, event.Errorf("engine is shutting down"))
		return job
	}
	q.pending = append(q.pending, job)
	q.cond.Broadcast()
	q.mu.Unlock()

	sendFrame(job, event.Status(event.StatusWaiting))
	return job
}

// Next blocks until a non-cancelled job reaches the head of the queue
// and moves it to running. Cancelled jobs at the head are dropped
// silently with their done flags set.
func (q *Queue) Next(ctx context.Context) (*Job, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		for len(q.pending) > 0 && q.pending[0].Cancelled() {
			head := q.pending[0]
			q.pending = q.pending[1:]
			delete(q.cancelled, head.ID)
			head.markDone()
		}
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			q.running = job
			return job, nil
		}
		q.cond.Wait()
	}
}

// Cancel marks a job cancelled. A pending job is removed and finished
// on the spot; a running job keeps going until the worker stops it.
func (q *Queue) Cancel(job *Job) {
	if job == nil {
		return
	}
	q.mu.Lock()
	job.requestCancel()
	q.cancelled[job.ID] = struct{}{}
	for i, p := range q.pending {
		if p == job {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			delete(q.cancelled, job.ID)
			q.mu.Unlock()
			job.markDone()
			return
		}
	}
	q.mu.Unlock()
}

// MarkDone clears the running slot and sets the job's done flag.
func (q *Queue) MarkDone(job *Job) {
	if job == nil {
		return
	}
	q.mu.Lock()
	if q.running == job {
		q.running = nil
	}
	delete(q.cancelled, job.ID)
	q.cond.Broadcast()
	q.mu.Unlock()
	job.markDone()
}

// Position reports 0 for the running job, the zero-based pending index
// otherwise, and -1 for jobs the queue no longer tracks.
func (q *Queue) Position(job *Job) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == job {
		return 0
	}
	for i, p := range q.pending {
		if p == job {
			return i
		}
	}
	return -1
}

// Close rejects further submissions and unblocks Next. Pending jobs are
// dropped with their done flags set.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, job := range pending {
		job.markDone()
	}
}

// sendFrame delivers one frame best effort; a dead client only logs.
func sendFrame(job *Job, frame event.Frame) {
	if err := job.Client.Send(&frame); err != nil {
		log.Debugf("runner: frame for job %d not delivered: %v", job.ID, err)
	}
}
