// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/device"
	"github.com/grailbio/bigpipe/tensor"
	"github.com/oklog/ulid/v2"
)

// A Module is a computation unit: a stateful transform from an input
// tensor to an output tensor. Modules own zero or more parameters,
// which are bound to the module's device. Bigpipe treats a module's
// computation as opaque; it only ensures that a module is never
// invoked concurrently by the shard that owns it.
//
// Modules that are deployed to remote machines must be
// gob-encodable, and their concrete types must be registered with
// gob.Register.
type Module interface {
	// Forward computes the module's output for input x.
	Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)
	// Parameters returns the module's parameters, in declaration
	// order. The returned parameters are owned by the module.
	Parameters() []*Parameter
}

// A Parameter is a named, mutable tensor owned by a module.
type Parameter struct {
	// Name is the parameter's name, unique within its module.
	Name string
	// Value is the parameter's current value.
	Value *tensor.Tensor
	// Key uniquely identifies the parameter. It is assigned once by
	// NewParameter and travels with the parameter when its module is
	// shipped to another machine.
	Key string
}

// NewParameter returns a new parameter with the provided name and
// initial value.
func NewParameter(name string, value *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value, Key: ulid.Make().String()}
}

// String returns a short description of the parameter.
func (p *Parameter) String() string {
	return fmt.Sprintf("%s(%s)", p.Name, p.Value)
}

// Func adapts a function to a parameterless Module. Funcs cannot be
// shipped to remote machines.
type Func func(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)

// Forward implements Module.
func (f Func) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	return f(ctx, x)
}

// Parameters implements Module.
func (Func) Parameters() []*Parameter { return nil }

// Bind relocates every parameter of module m to device d. Binding is
// a one-time side effect of placing a module on an execution
// context.
func Bind(ctx context.Context, placer device.Placer, m Module, d tensor.Device) error {
	if m == nil {
		return errors.E(errors.Invalid, "bind: nil module")
	}
	for _, p := range m.Parameters() {
		v, err := placer.Place(ctx, p.Value, d)
		if err != nil {
			return errors.E(fmt.Sprintf("bind parameter %s to %s", p.Name, d), err)
		}
		p.Value = v
	}
	return nil
}
