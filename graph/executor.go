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
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/node"
	"trpc.group/trpc-go/trpc-quantflow/telemetry"
)

// streamBufferSize is the buffer of the internal partial-update channel.
const streamBufferSize = 64

// Mode reports how an executor drives its graph.
type Mode int

const (
	// ModeBatch runs every node once and returns a final result.
	ModeBatch Mode = iota
	// ModeStreaming multiplexes streaming nodes into incremental ticks.
	ModeStreaming
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeStreaming {
		return "streaming"
	}
	return "batch"
}

// Result maps node ids to the output mapping each node produced.
type Result map[int]node.Result

// Tick is one incremental whole-graph result. Results is a copied
// snapshot; Done marks the terminal tick.
type Tick struct {
	Results Result
	Done    bool
}

// link is a validated link between two instantiated nodes.
type link struct {
	id       int
	from     int
	fromSlot int
	to       int
	toSlot   int
}

// Option configures an Executor.
type Option func(*options)

type options struct {
	emitter *Emitter
	types   *node.Types
	pool    *node.Pool
}

// WithEmitter sets the progress emitter for the run.
func WithEmitter(e *Emitter) Option {
	return func(opts *options) {
		opts.emitter = e
	}
}

// WithTypes sets the semantic type registry used for link validation and
// dynamic input checks. Defaults to a registry with the built-in types.
func WithTypes(t *node.Types) Option {
	return func(opts *options) {
		opts.types = t
	}
}

// WithPool hands a compute pool to pool-aware nodes.
func WithPool(p *node.Pool) Option {
	return func(opts *options) {
		opts.pool = p
	}
}

// Executor drives one parsed graph either to a single batch result or
// through a stream of incremental ticks.
type Executor struct {
	nodes      map[int]node.Instance
	defs       map[int]*node.Definition
	order      []int          // topological order, ascending-id tie-break
	incoming   map[int][]link // links indexed by destination node
	downstream map[int][]int  // source id -> destination ids
	streaming  []int          // ids of nodes implementing node.Streaming

	types   *node.Types
	emitter *Emitter

	stopOnce sync.Once
	stopped  chan struct{}
}

// New instantiates the graph described by spec against the catalog and
// validates its structure: node types, link endpoints, slot ranges, slot
// type compatibility and acyclicity.
func New(spec *Spec, catalog *node.Registry, opts ...Option) (*Executor, error) {
	var options options
	for _, opt := range opts {
		opt(&options)
	}
	if options.types == nil {
		options.types = node.NewTypes()
	}

	e := &Executor{
		nodes:      make(map[int]node.Instance, len(spec.Nodes)),
		defs:       make(map[int]*node.Definition, len(spec.Nodes)),
		incoming:   make(map[int][]link),
		downstream: make(map[int][]int),
		types:      options.types,
		emitter:    options.emitter,
		stopped:    make(chan struct{}),
	}

	for _, ns := range spec.Nodes {
		if _, dup := e.nodes[ns.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %d", ns.ID)
		}
		inst, err := catalog.New(ns.ID, ns.Type, ns.Properties)
		if err != nil {
			return nil, err
		}
		e.nodes[ns.ID] = inst
		e.defs[ns.ID] = catalog.Definition(ns.Type)
		if options.pool != nil {
			if pu, ok := inst.(node.PoolUser); ok {
				pu.SetPool(options.pool)
			}
		}
		if pr, ok := inst.(node.ProgressReporter); ok {
			id := ns.ID
			pr.SetProgress(func(percent float64, text string) {
				e.emitter.Emit(percent, fmt.Sprintf("node %d: %s", id, text))
			})
		}
	}

	for _, ls := range spec.Links {
		l, err := e.resolveLink(ls)
		if err != nil {
			return nil, err
		}
		e.incoming[l.to] = append(e.incoming[l.to], l)
		e.downstream[l.from] = append(e.downstream[l.from], l.to)
	}

	order, err := topoOrder(e.nodes, e.incoming)
	if err != nil {
		return nil, err
	}
	e.order = order

	for _, id := range e.order {
		if _, ok := e.nodes[id].(node.Streaming); ok {
			e.streaming = append(e.streaming, id)
		}
	}
	return e, nil
}

// Mode reports whether the graph runs as a batch or a stream. A graph is
// streaming as soon as one of its nodes declares the capability.
func (e *Executor) Mode() Mode {
	if len(e.streaming) > 0 {
		return ModeStreaming
	}
	return ModeBatch
}

// Stop cancels the in-flight run and asks every node instance to stop.
// It is idempotent and may be called before, during or after a run.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		for _, id := range e.order {
			inst := e.nodes[id]
			if s, ok := inst.(node.Stopper); ok {
				s.Stop()
			}
			if fs, ok := inst.(node.ForceStopper); ok {
				fs.ForceStop()
			}
		}
	})
}

// Execute runs every node once in topological order and returns the
// whole-graph result. Cancellation surfaces as context.Canceled.
func (e *Executor) Execute(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.cancelOnStop(ctx, cancel)

	ctx, span := telemetry.Tracer.Start(ctx, "graph.execute",
		trace.WithAttributes(
			attribute.Int("graph.nodes", len(e.order)),
			attribute.String("graph.mode", e.Mode().String()),
		))
	defer span.End()

	results := make(Result, len(e.order))
	total := len(e.order)
	for i, id := range e.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def := e.defs[id]
		e.emitter.Emit(float64(i)/float64(total)*100,
			fmt.Sprintf("Executing node %d (%s)", id, def.Type))
		out, err := e.runNode(ctx, id, results)
		if err != nil {
			return nil, err
		}
		results[id] = out
		e.emitter.Emit(float64(i+1)/float64(total)*100,
			fmt.Sprintf("Node %d (%s) finished", id, def.Type))
	}
	return results, nil
}

// Stream starts every streaming node and yields incremental whole-graph
// snapshots until all of them are done or the executor is stopped. Nodes
// that do not depend on a streaming source run once before the first tick.
func (e *Executor) Stream(ctx context.Context) (<-chan Tick, error) {
	runCtx, cancel := context.WithCancel(ctx)
	go e.cancelOnStop(runCtx, cancel)

	runCtx, span := telemetry.Tracer.Start(runCtx, "graph.execute",
		trace.WithAttributes(
			attribute.Int("graph.nodes", len(e.order)),
			attribute.String("graph.mode", e.Mode().String()),
		))

	fail := func(err error) (<-chan Tick, error) {
		span.End()
		cancel()
		return nil, err
	}

	streamSet := make(map[int]bool, len(e.streaming))
	for _, id := range e.streaming {
		streamSet[id] = true
	}
	// Nodes downstream of a streaming source re-run on every update;
	// everything else runs once up front.
	dynamic := e.downstreamOf(streamSet)

	results := make(Result, len(e.order))
	for _, id := range e.order {
		if streamSet[id] || dynamic[id] {
			continue
		}
		out, err := e.runNode(runCtx, id, results)
		if err != nil {
			return fail(err)
		}
		results[id] = out
	}

	// Without streaming nodes the upfront pass is the whole run.
	if len(e.streaming) == 0 {
		ticks := make(chan Tick, 1)
		ticks <- Tick{Results: results, Done: true}
		close(ticks)
		span.End()
		cancel()
		return ticks, nil
	}

	type update struct {
		id      int
		partial node.Partial
		closed  bool
	}
	updates := make(chan update, streamBufferSize)
	var producers sync.WaitGroup
	for _, id := range e.streaming {
		in := e.assembleInputs(id, results)
		if details := node.ValidateInputs(e.defs[id], e.types, in); len(details) > 0 {
			return fail(&InputValidationError{NodeID: id, Details: details})
		}
		partials, err := e.nodes[id].(node.Streaming).Start(runCtx, in)
		if err != nil {
			return fail(&NodeExecutionError{NodeID: id, Err: err})
		}
		producers.Add(1)
		go func(id int, partials <-chan node.Partial) {
			defer producers.Done()
			for p := range partials {
				select {
				case updates <- update{id: id, partial: p}:
				case <-runCtx.Done():
					return
				}
			}
			select {
			case updates <- update{id: id, closed: true}:
			case <-runCtx.Done():
			}
		}(id, partials)
	}
	go func() {
		producers.Wait()
		close(updates)
	}()

	ticks := make(chan Tick, 1)
	go func() {
		defer close(ticks)
		defer span.End()
		defer cancel()

		live := make(map[int]bool, len(e.streaming))
		for _, id := range e.streaming {
			live[id] = true
		}

		emit := func(done bool) bool {
			// Never emit once cancellation has been acknowledged.
			select {
			case <-runCtx.Done():
				return false
			default:
			}
			select {
			case ticks <- Tick{Results: copyResult(results), Done: done}:
				return true
			case <-runCtx.Done():
				return false
			}
		}

		for len(live) > 0 {
			select {
			case <-runCtx.Done():
				// Stopped or parent cancelled: nothing further is emitted.
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.closed {
					if !live[u.id] {
						continue
					}
					delete(live, u.id)
					if len(live) == 0 {
						emit(true)
						return
					}
					continue
				}
				changed := len(u.partial.Outputs) > 0
				if changed {
					results[u.id] = u.partial.Outputs
					e.refresh(runCtx, u.id, results)
				}
				if u.partial.Done {
					delete(live, u.id)
				}
				if changed || u.partial.Done {
					if !emit(len(live) == 0) {
						return
					}
				}
			}
		}
	}()
	return ticks, nil
}

// cancelOnStop ties the run context to the executor's Stop signal.
func (e *Executor) cancelOnStop(ctx context.Context, cancel context.CancelFunc) {
	select {
	case <-e.stopped:
		cancel()
	case <-ctx.Done():
	}
}

// runNode assembles and validates inputs, then invokes the node's batch
// execution under its own span.
func (e *Executor) runNode(ctx context.Context, id int, results Result) (node.Result, error) {
	def := e.defs[id]
	in := e.assembleInputs(id, results)
	if details := node.ValidateInputs(def, e.types, in); len(details) > 0 {
		return nil, &InputValidationError{NodeID: id, Details: details}
	}

	batch, ok := e.nodes[id].(node.Batch)
	if !ok {
		return nil, &NodeExecutionError{
			NodeID: id,
			Err:    fmt.Errorf("node type %s does not support batch execution", def.Type),
		}
	}

	ctx, span := telemetry.Tracer.Start(ctx, "graph.node",
		trace.WithAttributes(
			attribute.Int("node.id", id),
			attribute.String("node.type", def.Type),
		))
	defer span.End()

	start := time.Now()
	out, err := batch.Execute(ctx, in)
	telemetry.NodeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("node.type", def.Type)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NodeExecutionError{NodeID: id, Err: err}
	}
	return out, nil
}

// assembleInputs binds link values from already-produced results to the
// node's named inputs. Multi slots collect every link value ordered by
// source node id then source slot; inputs whose source produced nothing
// stay unbound.
func (e *Executor) assembleInputs(id int, results Result) node.Inputs {
	def := e.defs[id]
	links := append([]link(nil), e.incoming[id]...)
	sort.Slice(links, func(i, j int) bool {
		if links[i].from != links[j].from {
			return links[i].from < links[j].from
		}
		return links[i].fromSlot < links[j].fromSlot
	})

	in := make(node.Inputs)
	for _, l := range links {
		src, ok := results[l.from]
		if !ok {
			continue
		}
		val, ok := src[e.defs[l.from].Outputs[l.fromSlot].Name]
		if !ok {
			continue
		}
		spec := def.Inputs[l.toSlot]
		if spec.Multi {
			seq, _ := in[spec.Name].([]any)
			in[spec.Name] = append(seq, val)
		} else {
			in[spec.Name] = val
		}
	}
	return in
}

// refresh re-executes the non-streaming dependents of source in
// topological order, each at most once, using the latest upstream values.
// A dependent that fails mid-stream keeps its previous result.
func (e *Executor) refresh(ctx context.Context, source int, results Result) {
	affected := e.downstreamOf(map[int]bool{source: true})
	for _, id := range e.order {
		if !affected[id] {
			continue
		}
		out, err := e.runNode(ctx, id, results)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("node %d re-evaluation failed: %v", id, err)
			continue
		}
		results[id] = out
	}
}

// downstreamOf returns every node reachable from the given set, excluding
// the set itself and any streaming node: streaming dependents consume
// their inputs once at Start and produce partials on their own clock.
func (e *Executor) downstreamOf(sources map[int]bool) map[int]bool {
	out := make(map[int]bool)
	var visit func(id int)
	visit = func(id int) {
		for _, to := range e.downstream[id] {
			if out[to] {
				continue
			}
			if _, streaming := e.nodes[to].(node.Streaming); streaming {
				continue
			}
			out[to] = true
			visit(to)
		}
	}
	for id := range sources {
		visit(id)
	}
	return out
}

// resolveLink checks a link's endpoints, slot ranges, type compatibility
// and single-link constraint for non-multi inputs.
func (e *Executor) resolveLink(ls LinkSpec) (link, error) {
	srcDef, ok := e.defs[ls.FromNode]
	if !ok {
		return link{}, &LinkError{LinkID: ls.ID,
			Reason: fmt.Sprintf("source node %d does not exist", ls.FromNode)}
	}
	dstDef, ok := e.defs[ls.ToNode]
	if !ok {
		return link{}, &LinkError{LinkID: ls.ID,
			Reason: fmt.Sprintf("destination node %d does not exist", ls.ToNode)}
	}
	out, ok := srcDef.OutputIndex(ls.FromSlot)
	if !ok {
		return link{}, &LinkError{LinkID: ls.ID,
			Reason: fmt.Sprintf("source slot %d out of range for %s", ls.FromSlot, srcDef.Type)}
	}
	in, ok := dstDef.InputIndex(ls.ToSlot)
	if !ok {
		return link{}, &LinkError{LinkID: ls.ID,
			Reason: fmt.Sprintf("destination slot %d out of range for %s", ls.ToSlot, dstDef.Type)}
	}
	if !e.types.Compatible(out.Type, in.Type) {
		return link{}, &LinkError{LinkID: ls.ID,
			Reason: fmt.Sprintf("output %q (%s) is not assignable to input %q (%s)",
				out.Name, out.Type, in.Name, in.Type)}
	}
	if !in.Multi {
		for _, existing := range e.incoming[ls.ToNode] {
			if existing.toSlot == ls.ToSlot {
				return link{}, &LinkError{LinkID: ls.ID,
					Reason: fmt.Sprintf("input %q already connected", in.Name)}
			}
		}
	}
	return link{id: ls.ID, from: ls.FromNode, fromSlot: ls.FromSlot, to: ls.ToNode, toSlot: ls.ToSlot}, nil
}

// topoOrder computes a topological order via Kahn's algorithm with ties
// broken by ascending node id so execution is deterministic.
func topoOrder(nodes map[int]node.Instance, incoming map[int][]link) ([]int, error) {
	indegree := make(map[int]int, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	outgoing := make(map[int][]int, len(nodes))
	for to, links := range incoming {
		for _, l := range links {
			indegree[to]++
			outgoing[l.from] = append(outgoing[l.from], to)
		}
	}

	ready := make([]int, 0, len(nodes))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Ints(ready)

	order := make([]int, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		released := false
		for _, to := range outgoing[id] {
			indegree[to]--
			if indegree[to] == 0 {
				ready = append(ready, to)
				released = true
			}
		}
		if released {
			sort.Ints(ready)
		}
	}
	if len(order) != len(nodes) {
		return nil, ErrCycleDetected
	}
	return order, nil
}

// copyResult snapshots the whole-graph mapping so later merges do not
// mutate an emitted tick.
func copyResult(r Result) Result {
	out := make(Result, len(r))
	for id, res := range r {
		cp := make(node.Result, len(res))
		for k, v := range res {
			cp[k] = v
		}
		out[id] = cp
	}
	return out
}
