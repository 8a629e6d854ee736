// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpipe/device"
	"github.com/grailbio/bigpipe/tensor"
	"golang.org/x/sync/errgroup"
)

// Sequential is an in-process pipeline of modules, each bound to its
// own device. Between consecutive modules, a ToDevice adapter moves
// the intermediate value to the next module's device.
type Sequential struct {
	units   []Module
	devices []tensor.Device
	layers  []Module
}

// NewSequential binds units[i] to devices[i], for each i, and
// returns a Sequential pipeline composed of them. The bindings are
// independent and are performed concurrently. NewSequential returns
// an error of kind errors.Invalid if the number of units and devices
// differ or if no units are provided. If placer is nil,
// device.Default is used.
func NewSequential(ctx context.Context, units []Module, devices []tensor.Device, placer device.Placer) (*Sequential, error) {
	if len(units) != len(devices) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("bigpipe.NewSequential: %d units but %d devices", len(units), len(devices)))
	}
	if len(units) == 0 {
		return nil, errors.E(errors.Invalid, "bigpipe.NewSequential: no units")
	}
	if placer == nil {
		placer = device.Default
	}
	if err := bindAll(ctx, placer, units, devices); err != nil {
		return nil, errors.E("bigpipe.NewSequential", err)
	}
	s := &Sequential{
		units:   append([]Module(nil), units...),
		devices: append([]tensor.Device(nil), devices...),
	}
	for i, unit := range units {
		s.layers = append(s.layers, unit)
		if i != len(units)-1 {
			s.layers = append(s.layers, NewToDevice(placer, devices[i+1]))
		}
	}
	return s, nil
}

// bindAll binds each unit to its device, concurrently, with at most
// GOMAXPROCS bindings in flight.
func bindAll(ctx context.Context, placer device.Placer, units []Module, devices []tensor.Device) error {
	lim := limiter.New()
	lim.Release(runtime.GOMAXPROCS(0))
	g, ctx := errgroup.WithContext(ctx)
	for i := range units {
		i := i
		g.Go(func() error {
			if err := lim.Acquire(ctx, 1); err != nil {
				return err
			}
			defer lim.Release(1)
			if err := Bind(ctx, placer, units[i], devices[i]); err != nil {
				return errors.E(fmt.Sprintf("unit %d", i), err)
			}
			log.Debug.Printf("bigpipe: bound unit %d to %s", i, devices[i])
			return nil
		})
	}
	return g.Wait()
}

// Forward runs x through each layer of the pipeline, in order. The
// output resides on the last unit's device.
func (s *Sequential) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i, layer := range s.layers {
		if x, err = layer.Forward(ctx, x); err != nil {
			return nil, errors.E(fmt.Sprintf("layer %d", i), err)
		}
	}
	return x, nil
}

// Parameters returns the parameters of every unit, in unit order.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, unit := range s.units {
		params = append(params, unit.Parameters()...)
	}
	return params
}

// Len returns the number of units in the pipeline.
func (s *Sequential) Len() int { return len(s.units) }

// Layers returns the pipeline's layers: its units interleaved with
// the placement adapters between them.
func (s *Sequential) Layers() []Module { return s.layers }

// Devices returns the device of each unit, in order.
func (s *Sequential) Devices() []tensor.Device { return s.devices }
