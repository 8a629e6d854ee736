// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/ctxsync"
	"github.com/grailbio/bigpipe/device"
	"github.com/grailbio/bigpipe/rref"
	"github.com/grailbio/bigpipe/tensor"
)

// Variant selects how a shard places values around its computation.
type Variant int

const (
	// HostResident shards relocate their input to the shard's device
	// before computing, and relocate their output to the host
	// afterwards. They are used when intermediate values must be
	// collectible in host memory.
	HostResident Variant = iota
	// ComputeResident shards compute on their input as is and leave
	// their output on the compute device. They are used when
	// consecutive stages share a device family and relocation
	// overhead should be avoided.
	ComputeResident

	maxVariant
)

var variants = [...]string{
	HostResident:    "host",
	ComputeResident: "compute",
}

// String returns the variant's name.
func (v Variant) String() string {
	if v < 0 || v >= maxVariant {
		return fmt.Sprintf("Variant(%d)", int(v))
	}
	return variants[v]
}

// ParseVariant returns the variant with the provided name, as
// returned by Variant.String.
func ParseVariant(name string) (Variant, error) {
	for v, s := range variants {
		if s == name {
			return Variant(v), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown variant %q", name))
}

// An Invoker is a pipeline stage that can be invoked through a
// pending input handle. Both Shard and Stage are Invokers.
type Invoker interface {
	// Forward realizes the input, computes, and returns the realized
	// output. Forward may be called concurrently.
	Forward(ctx context.Context, in rref.Ref) (*tensor.Tensor, error)
	// ParameterRefs returns references to the parameters owned by
	// the invoker, in declaration order.
	ParameterRefs() []ParamRef
}

// A Shard is the unit deployed at an execution location. It wraps a
// single module bound to a single device, and serializes the
// module's invocations with a lock private to the shard.
type Shard struct {
	unit    Module
	device  tensor.Device
	variant Variant
	placer  device.Placer

	mu ctxsync.Mutex
}

// NewShard binds unit to device d and returns a shard of the given
// variant. If placer is nil, device.Default is used.
func NewShard(ctx context.Context, unit Module, d tensor.Device, variant Variant, placer device.Placer) (*Shard, error) {
	if unit == nil {
		return nil, errors.E(errors.Invalid, "bigpipe.NewShard: nil unit")
	}
	if variant < 0 || variant >= maxVariant {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigpipe.NewShard: invalid variant %d", variant))
	}
	if placer == nil {
		placer = device.Default
	}
	if err := Bind(ctx, placer, unit, d); err != nil {
		return nil, errors.E("bigpipe.NewShard", err)
	}
	return &Shard{unit: unit, device: d, variant: variant, placer: placer}, nil
}

// Forward implements Invoker. Host-resident shards relocate the
// realized input to the shard's device and the result to the host;
// compute-resident shards perform no relocation. Only the module's
// computation is performed under the shard's lock.
func (s *Shard) Forward(ctx context.Context, in rref.Ref) (*tensor.Tensor, error) {
	x, err := in.Force(ctx)
	if err != nil {
		return nil, err
	}
	if s.variant == HostResident {
		if x, err = s.placer.Place(ctx, x, s.device); err != nil {
			return nil, err
		}
	}
	y, err := lockedForward(ctx, &s.mu, s.unit, x, s.device)
	if err != nil {
		return nil, err
	}
	if s.variant == HostResident {
		return s.placer.Place(ctx, y, tensor.Host)
	}
	return y, nil
}

// ParameterRefs implements Invoker.
func (s *Shard) ParameterRefs() []ParamRef {
	return refParameters(s.unit.Parameters(), s.placer)
}

// Device returns the device to which the shard is bound.
func (s *Shard) Device() tensor.Device { return s.device }

// Variant returns the shard's variant.
func (s *Shard) Variant() Variant { return s.variant }

// lockedForward runs m.Forward(ctx, x) while holding mu. The lock is
// released on every return path; panics in module code are returned
// as fatal errors.
func lockedForward(ctx context.Context, mu *ctxsync.Mutex, m Module, x *tensor.Tensor, d tensor.Device) (y *tensor.Tensor, err error) {
	start := time.Now()
	if err := mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer mu.Unlock()
	locked := time.Now()
	stageLockWait.WithLabelValues(string(d)).Observe(locked.Sub(start).Seconds())
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Errorf("panic while computing on %s: %v\n%s", d, e, debug.Stack()))
			y = nil
		}
		stageComputeDuration.WithLabelValues(string(d)).Observe(time.Since(locked).Seconds())
	}()
	y, err = m.Forward(ctx, x)
	if err == nil && y == nil {
		err = errors.E(errors.Invalid, fmt.Sprintf("module on %s returned no output", d))
	}
	return y, err
}
