// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/ctxsync"
	"github.com/grailbio/bigpipe/device"
	"github.com/grailbio/bigpipe/rref"
	"github.com/grailbio/bigpipe/tensor"
)

// A Stage is a Sequential pipeline behind the same invocation
// contract as a Shard. It is used when all of a pipeline's devices
// are local to one process, e.g., multiple accelerators in one
// machine. Concurrent invocations of a stage are serialized.
type Stage struct {
	seq    *Sequential
	placer device.Placer

	mu ctxsync.Mutex
}

// NewStage returns a new stage with the same construction contract
// as NewSequential.
func NewStage(ctx context.Context, units []Module, devices []tensor.Device, placer device.Placer) (*Stage, error) {
	if placer == nil {
		placer = device.Default
	}
	seq, err := NewSequential(ctx, units, devices, placer)
	if err != nil {
		return nil, errors.E("bigpipe.NewStage", err)
	}
	return &Stage{seq: seq, placer: placer}, nil
}

// Forward implements Invoker: the realized input is relocated to the
// first device, run through the pipeline under the stage's lock, and
// the output is relocated to the host.
func (s *Stage) Forward(ctx context.Context, in rref.Ref) (*tensor.Tensor, error) {
	x, err := in.Force(ctx)
	if err != nil {
		return nil, err
	}
	devices := s.seq.Devices()
	if x, err = s.placer.Place(ctx, x, devices[0]); err != nil {
		return nil, err
	}
	y, err := lockedForward(ctx, &s.mu, s.seq, x, devices[len(devices)-1])
	if err != nil {
		return nil, err
	}
	return s.placer.Place(ctx, y, tensor.Host)
}

// ParameterRefs implements Invoker.
func (s *Stage) ParameterRefs() []ParamRef {
	return refParameters(s.seq.Parameters(), s.placer)
}

// Sequential returns the stage's underlying pipeline.
func (s *Stage) Sequential() *Sequential { return s.seq }
