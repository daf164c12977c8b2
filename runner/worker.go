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

package runner

import (
	"context"
	"errors"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trpc.group/trpc-go/trpc-quantflow/event"
	"trpc.group/trpc-go/trpc-quantflow/graph"
	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/node"
	"trpc.group/trpc-go/trpc-quantflow/telemetry"
)

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	graphOpts []graph.Option
}

// WithGraphOptions forwards options to every executor the worker builds,
// typically the compute pool and a shared type registry.
func WithGraphOptions(opts ...graph.Option) WorkerOption {
	return func(o *workerOptions) {
		o.graphOpts = append(o.graphOpts, opts...)
	}
}

// Worker drains the queue and runs one job at a time. Exactly one
// worker should run against a queue; the FIFO guarantee relies on it.
type Worker struct {
	queue   *Queue
	catalog *node.Registry
	opts    workerOptions
}

// NewWorker binds a worker to its queue and node catalog.
func NewWorker(queue *Queue, catalog *node.Registry, opts ...WorkerOption) *Worker {
	w := &Worker{queue: queue, catalog: catalog}
	for _, opt := range opts {
		opt(&w.opts)
	}
	return w
}

// Run processes jobs until the queue closes or the context ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Next(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				log.Errorf("runner: queue wait: %v", err)
			}
			return
		}
		w.runJob(ctx, job)
	}
}

// runJob drives one job through its lifecycle frames. Panics out of
// node code surface as a terminal error frame, never as a dead worker.
func (w *Worker) runJob(ctx context.Context, job *Job) {
	defer w.queue.MarkDone(job)
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("runner: job %d panicked: %v\n%s", job.ID, rec, debug.Stack())
			w.send(job, event.Errorf("execution panicked: %v", rec))
			job.Client.Close()
		}
	}()

	w.send(job, event.Status(event.StatusStarting))

	exec, err := graph.New(job.Graph, w.catalog, w.opts.graphOpts...)
	if err != nil {
		w.send(job, event.Errorf("%v", err))
		job.Client.Close()
		return
	}

	telemetry.JobCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", exec.Mode().String())))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The cancel monitor stops the executor on an explicit cancel or a
	// client disconnect; job completion retires it.
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		select {
		case <-job.CancelRequested():
			exec.Stop()
		case <-job.Client.Done():
			job.requestCancel()
			exec.Stop()
		case <-runCtx.Done():
		}
	}()

	if exec.Mode() == graph.ModeStreaming {
		w.streamJob(runCtx, job, exec)
	} else {
		w.batchJob(runCtx, job, exec)
	}

	cancel()
	<-monitorDone
}

// batchJob runs the whole graph once and delivers a single data frame.
func (w *Worker) batchJob(ctx context.Context, job *Job, exec *graph.Executor) {
	w.send(job, event.Status(event.StatusExecutingBatch))

	results, err := exec.Execute(ctx)
	if err != nil {
		if job.Cancelled() || errors.Is(err, context.Canceled) {
			w.send(job, event.Status(event.StatusStopped))
			return
		}
		w.send(job, event.Errorf("%v", err))
		job.Client.Close()
		return
	}

	w.send(job, event.Data(frameResults(results), false))
	w.send(job, event.Status(event.StatusBatchFinished))
}

// streamJob relays every tick as a data frame until the stream ends or
// the job is stopped.
func (w *Worker) streamJob(ctx context.Context, job *Job, exec *graph.Executor) {
	w.send(job, event.Status(event.StatusStreamStarting))

	ticks, err := exec.Stream(ctx)
	if err != nil {
		if job.Cancelled() || errors.Is(err, context.Canceled) {
			w.send(job, event.Status(event.StatusStopped))
			return
		}
		w.send(job, event.Errorf("%v", err))
		job.Client.Close()
		return
	}

	for tick := range ticks {
		w.send(job, event.Data(frameResults(tick.Results), true))
	}

	if job.Cancelled() || ctx.Err() != nil {
		w.send(job, event.Status(event.StatusStopped))
		return
	}
	w.send(job, event.Status(event.StatusStreamFinished))
}

func (w *Worker) send(job *Job, frame event.Frame) {
	sendFrame(job, frame)
}

func frameResults(results graph.Result) map[int]map[string]any {
	out := make(map[int]map[string]any, len(results))
	for id, r := range results {
		out[id] = r
	}
	return out
}
