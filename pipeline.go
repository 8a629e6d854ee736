// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigpipe/rref"
	"github.com/grailbio/bigpipe/tensor"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultSplitSize is the micro-batch size used by pipelines that are
// not configured with WithSplitSize.
const DefaultSplitSize = 1

type options struct {
	variant   Variant
	splitSize int
	status    *status.Group
}

// An Option configures a Pipeline.
type Option func(*options)

// WithVariant sets the variant of the shards deployed by New. The
// default is HostResident.
func WithVariant(v Variant) Option {
	return func(o *options) { o.variant = v }
}

// WithSplitSize sets the number of rows per micro-batch. The last
// micro-batch of a batch may be smaller. Split sizes must be at least
// 1.
func WithSplitSize(n int) Option {
	return func(o *options) { o.splitSize = n }
}

// WithStatus reports the progress of each forward call to the
// provided status group.
func WithStatus(group *status.Group) Option {
	return func(o *options) { o.status = group }
}

func makeOptions(opts []Option) (options, error) {
	o := options{variant: HostResident, splitSize: DefaultSplitSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.splitSize < 1 {
		return o, errors.E(errors.Invalid, fmt.Sprintf("split size %d must be at least 1", o.splitSize))
	}
	if o.variant < 0 || o.variant >= maxVariant {
		return o, errors.E(errors.Invalid, fmt.Sprintf("invalid variant %d", o.variant))
	}
	return o, nil
}

// A Pipeline orchestrates pipeline-parallel execution across a chain
// of actors. Forward splits each batch into micro-batches and feeds
// every micro-batch through the chain without waiting for any stage
// to finish, so that stage i can work on micro-batch k+1 while stage
// i+1 works on micro-batch k.
type Pipeline struct {
	actors    []Actor
	splitSize int
	status    *status.Group
}

// New deploys one shard per stage spec, in order, using the provided
// deployer and returns a pipeline over the deployed actors. Specs are
// validated before anything is deployed. If any deployment fails, the shards that were deployed are closed and an
// error is returned; errors due to unreachable locations are of kind
// errors.Unavailable.
func New(ctx context.Context, deployer Deployer, specs []StageSpec, opts ...Option) (*Pipeline, error) {
	o, err := makeOptions(opts)
	if err != nil {
		return nil, errors.E("bigpipe.New", err)
	}
	if len(specs) == 0 {
		return nil, errors.E(errors.Invalid, "bigpipe.New: no stages")
	}
	seen := make(map[string]bool)
	for _, spec := range specs {
		if err := (ShardSpec{StageSpec: spec, Variant: o.variant}).Validate(); err != nil {
			return nil, errors.E("bigpipe.New", err)
		}
		if seen[spec.Location] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bigpipe.New: duplicate location %s", spec.Location))
		}
		seen[spec.Location] = true
	}
	actors := make([]Actor, len(specs))
	// Deploy with ctx itself: it must outlive the deployed shards.
	var g errgroup.Group
	for i := range specs {
		i, spec := i, specs[i]
		g.Go(func() error {
			actor, err := deployer.Deploy(ctx, ShardSpec{StageSpec: spec, Variant: o.variant})
			if err != nil {
				if errors.Recover(err).Kind == errors.Other {
					err = errors.E(errors.Unavailable, err)
				}
				return errors.E(fmt.Sprintf("deploy stage %d to %s", i, spec.Location), err)
			}
			actors[i] = actor
			log.Debug.Printf("bigpipe: deployed stage %d (%s) to %s on %s", i, o.variant, spec.Location, spec.Device)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, actor := range actors {
			if actor == nil {
				continue
			}
			if cerr := actor.Close(); cerr != nil {
				log.Error.Printf("bigpipe: close %s: %v", actor.Location(), cerr)
			}
		}
		return nil, errors.E("bigpipe.New", err)
	}
	return &Pipeline{actors: actors, splitSize: o.splitSize, status: o.status}, nil
}

// NewWithActors returns a pipeline over already deployed actors, in
// order. Options that concern deployment are ignored.
func NewWithActors(actors []Actor, opts ...Option) (*Pipeline, error) {
	o, err := makeOptions(opts)
	if err != nil {
		return nil, errors.E("bigpipe.NewWithActors", err)
	}
	if len(actors) == 0 {
		return nil, errors.E(errors.Invalid, "bigpipe.NewWithActors: no stages")
	}
	for i, actor := range actors {
		if actor == nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bigpipe.NewWithActors: actor %d is nil", i))
		}
	}
	return &Pipeline{
		actors:    append([]Actor(nil), actors...),
		splitSize: o.splitSize,
		status:    o.status,
	}, nil
}

// Stages returns the number of stages in the pipeline.
func (p *Pipeline) Stages() int { return len(p.actors) }

// Actors returns the pipeline's actors, in pipeline order.
func (p *Pipeline) Actors() []Actor { return p.actors }

// SplitSize returns the pipeline's micro-batch size.
func (p *Pipeline) SplitSize() int { return p.splitSize }

// Forward runs the batch xs through the pipeline and returns the
// concatenation, in micro-batch order, of the outputs of the last
// stage. If any micro-batch fails, Forward waits for the remaining
// micro-batches and returns the error of the first failed
// micro-batch; no partial output is returned.
func (p *Pipeline) Forward(ctx context.Context, xs *tensor.Tensor) (*tensor.Tensor, error) {
	y, _, err := p.ForwardTrace(ctx, xs)
	return y, err
}

// ForwardTrace is like Forward, but also returns a trace of the
// call's micro-batches. The trace is returned even when the call
// fails.
func (p *Pipeline) ForwardTrace(ctx context.Context, xs *tensor.Tensor) (*tensor.Tensor, *Trace, error) {
	if xs == nil {
		return nil, nil, errors.E(errors.Invalid, "bigpipe.Forward: nil batch")
	}
	start := time.Now()
	defer func() {
		forwardDuration.Observe(time.Since(start).Seconds())
	}()

	var (
		id      = ulid.Make().String()
		batches = tensor.Split(xs, p.splitSize)
		rows    = make([]int, len(batches))
	)
	for i, b := range batches {
		rows[i] = b.Len()
	}
	trace := newTrace(id, rows)
	var task *status.Task
	if p.status != nil {
		task = p.status.Startf("forward %s", id)
		defer task.Done()
		task.Printf("micro-batches: %d", len(batches))
	}

	var (
		last    = p.actors[len(p.actors)-1]
		futures = make([]*rref.Future, len(batches))
	)
	for i, b := range batches {
		var ref Ref = rref.Of(b)
		for _, actor := range p.actors[:len(p.actors)-1] {
			ref = actor.Remote(ctx, ref)
		}
		trace.set(i, MicroBatchChained, nil)
		futures[i] = last.Async(ctx, ref)
		trace.set(i, MicroBatchDispatched, nil)
		log.Debug.Printf("bigpipe: forward %s: dispatched micro-batch %d (%d rows)", id, i, rows[i])
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for i, f := range futures {
		wg.Add(1)
		go func(i int, f *rref.Future) {
			defer wg.Done()
			select {
			case <-f.Done():
			case <-ctx.Done():
				return
			}
			if err := f.Err(); err != nil {
				trace.set(i, MicroBatchFailed, err)
				microBatchesTotal.WithLabelValues(outcomeFailed).Inc()
			} else {
				trace.set(i, MicroBatchCompleted, nil)
				microBatchesTotal.WithLabelValues(outcomeCompleted).Inc()
			}
			if task != nil {
				mu.Lock()
				done++
				task.Printf("micro-batches done/total: %d/%d", done, len(futures))
				mu.Unlock()
			}
		}(i, f)
	}
	outs, err := rref.WaitAll(ctx, futures)
	wg.Wait()
	if err != nil {
		log.Error.Printf("bigpipe: forward %s: %v", id, err)
		return nil, trace, errors.E(fmt.Sprintf("bigpipe.Forward %s", id), err)
	}
	y, err := tensor.Concat(outs)
	if err != nil {
		return nil, trace, errors.E(fmt.Sprintf("bigpipe.Forward %s", id), err)
	}
	log.Debug.Printf("bigpipe: forward %s: %d micro-batches in %s", id, len(batches), time.Since(start))
	return y, trace, nil
}

// ParameterRefs collects references to the parameters of every
// stage, in stage order and, within a stage, in the order the stage
// reports them. Collecting parameter references does not transfer
// their ownership, and repeated calls refer to the same parameters.
func (p *Pipeline) ParameterRefs(ctx context.Context) ([]ParamRef, error) {
	var refs []ParamRef
	for i, actor := range p.actors {
		stageRefs, err := actor.ParameterRefs(ctx)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("bigpipe.ParameterRefs: stage %d (%s)", i, actor.Location()), err)
		}
		refs = append(refs, stageRefs...)
	}
	return refs, nil
}

// Close closes each of the pipeline's actors and returns the first
// error encountered.
func (p *Pipeline) Close() error {
	var first error
	for _, actor := range p.actors {
		if err := actor.Close(); err != nil {
			log.Error.Printf("bigpipe: close %s: %v", actor.Location(), err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
