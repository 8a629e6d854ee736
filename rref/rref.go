// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rref implements handles to values that may not yet be
// realized. A Ref either refers to a materialized tensor or stands in
// for the result of an asynchronous operation. Refs can be passed on,
// and relocated, without waiting for the underlying value; this is
// what allows pipeline stages to be chained before any of them has
// produced output.
package rref

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/device"
	"github.com/grailbio/bigpipe/tensor"
)

// A Ref is a handle to a tensor that may not yet be realized. Refs
// are shared by their producers and consumers.
type Ref interface {
	// Force realizes the referenced value, blocking until it is
	// available or the context completes.
	Force(ctx context.Context) (*tensor.Tensor, error)
	// Relocate returns a Ref whose realization is the referenced
	// value relocated to device d. Relocate does not force the
	// value.
	Relocate(d tensor.Device) Ref
}

// Of returns a Ref to the materialized tensor t. Relocations of the
// returned Ref use device.Default.
func Of(t *tensor.Tensor) Ref {
	return value{t, device.Default}
}

// OfWith is like Of, but relocations of the returned Ref use the
// provided placer.
func OfWith(placer device.Placer, t *tensor.Tensor) Ref {
	return value{t, placer}
}

type value struct {
	t      *tensor.Tensor
	placer device.Placer
}

func (v value) Force(ctx context.Context) (*tensor.Tensor, error) {
	return v.t, nil
}

func (v value) Relocate(d tensor.Device) Ref {
	return RelocateWith(v, v.placer, d)
}

// WithPlacer returns a Ref that realizes the same value as r, but
// whose relocations use the provided placer.
func WithPlacer(r Ref, placer device.Placer) Ref {
	if p, ok := r.(placed); ok {
		r = p.Ref
	}
	return placed{r, placer}
}

type placed struct {
	Ref
	placer device.Placer
}

func (p placed) Relocate(d tensor.Device) Ref {
	return RelocateWith(p.Ref, p.placer, d)
}

// RelocateWith returns a Ref that, when forced, forces r and places
// its value on device d using the provided placer.
func RelocateWith(r Ref, placer device.Placer, d tensor.Device) Ref {
	if rr, ok := r.(*relocated); ok {
		r = rr.ref
	}
	return &relocated{ref: r, placer: placer, dev: d}
}

type relocated struct {
	ref    Ref
	placer device.Placer
	dev    tensor.Device
}

func (r *relocated) Force(ctx context.Context) (*tensor.Tensor, error) {
	t, err := r.ref.Force(ctx)
	if err != nil {
		return nil, err
	}
	return r.placer.Place(ctx, t, r.dev)
}

func (r *relocated) Relocate(d tensor.Device) Ref {
	return &relocated{ref: r.ref, placer: r.placer, dev: d}
}

// A Future is a Ref to the result of an asynchronous computation.
// It is completed exactly once; the first call to Complete wins.
type Future struct {
	once sync.Once
	done chan struct{}
	t    *tensor.Tensor
	err  error
}

// NewFuture returns a new, incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Go runs fn in a new goroutine and returns a future of its
// result. Panics in fn fail the future with an error of severity
// errors.Fatal.
func Go(fn func() (*tensor.Tensor, error)) *Future {
	f := NewFuture()
	go func() {
		defer func() {
			if e := recover(); e != nil {
				err := fmt.Errorf("panic: %v\n%s", e, debug.Stack())
				f.Complete(nil, errors.E(errors.Fatal, err))
			}
		}()
		f.Complete(fn())
	}()
	return f
}

// Failed returns a future that has failed with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Complete(nil, err)
	return f
}

// Complete completes the future with the provided result. Complete
// reports whether this call completed the future.
func (f *Future) Complete(t *tensor.Tensor, err error) bool {
	var ok bool
	f.once.Do(func() {
		f.t, f.err = t, err
		close(f.done)
		ok = true
	})
	return ok
}

// Done returns a channel that is closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the future's error, or nil if it completed
// successfully or has not yet completed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Force implements Ref.
func (f *Future) Force(ctx context.Context) (*tensor.Tensor, error) {
	select {
	case <-f.done:
		return f.t, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Relocate implements Ref. Relocations use device.Default; use
// WithPlacer to relocate with another placer.
func (f *Future) Relocate(d tensor.Device) Ref {
	return RelocateWith(f, device.Default, d)
}

// WaitAll waits for all of the provided futures to complete and
// returns their values in the same order. If any future failed,
// WaitAll returns the error of the first failed future (by index)
// and no values. WaitAll returns early only if the context
// completes.
func WaitAll(ctx context.Context, futures []*Future) ([]*tensor.Tensor, error) {
	for _, f := range futures {
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	vals := make([]*tensor.Tensor, len(futures))
	for i, f := range futures {
		if f.err != nil {
			return nil, errors.E(fmt.Sprintf("future %d", i), f.err)
		}
		vals[i] = f.t
	}
	return vals, nil
}
