// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"encoding/gob"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/tensor"
)

func init() {
	gob.Register(&Scale{})
	gob.Register(&Shift{})
	gob.Register(&Linear{})
	gob.Register(ReLU{})
	gob.Register(&Chain{})
}

// Scale multiplies its input by a scalar factor.
type Scale struct {
	Factor *Parameter
}

// NewScale returns a Scale module with the provided factor.
func NewScale(factor float64) *Scale {
	return &Scale{Factor: NewParameter("factor", tensor.Scalar(factor))}
}

// Forward implements Module.
func (s *Scale) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	f := s.Factor.Value.At(0, 0)
	return x.Apply(func(v float64) float64 { return v * f }), nil
}

// Parameters implements Module.
func (s *Scale) Parameters() []*Parameter { return []*Parameter{s.Factor} }

// Shift adds a scalar bias to its input.
type Shift struct {
	Bias *Parameter
}

// NewShift returns a Shift module with the provided bias.
func NewShift(bias float64) *Shift {
	return &Shift{Bias: NewParameter("bias", tensor.Scalar(bias))}
}

// Forward implements Module.
func (s *Shift) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	b := s.Bias.Value.At(0, 0)
	return x.Apply(func(v float64) float64 { return v + b }), nil
}

// Parameters implements Module.
func (s *Shift) Parameters() []*Parameter { return []*Parameter{s.Bias} }

// Linear is an affine transform: x*Weight + Bias. Weight is an
// in-by-out matrix and Bias a 1-by-out row.
type Linear struct {
	Weight, Bias *Parameter
}

// NewLinear returns a Linear module with the provided weight and
// bias. NewLinear panics if the shapes are incompatible.
func NewLinear(weight, bias *tensor.Tensor) *Linear {
	if bias.Rows != 1 || bias.Cols != weight.Cols {
		panic("bigpipe.NewLinear: bias must be a 1-by-out row")
	}
	return &Linear{
		Weight: NewParameter("weight", weight),
		Bias:   NewParameter("bias", bias),
	}
}

// Forward implements Module.
func (l *Linear) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.MatMul(x, l.Weight.Value)
	if err != nil {
		return nil, errors.E("linear", err)
	}
	return tensor.AddRow(y, l.Bias.Value)
}

// Parameters implements Module.
func (l *Linear) Parameters() []*Parameter { return []*Parameter{l.Weight, l.Bias} }

// ReLU clamps negative values to zero.
type ReLU struct{}

// Forward implements Module.
func (ReLU) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Apply(func(v float64) float64 { return math.Max(v, 0) }), nil
}

// Parameters implements Module.
func (ReLU) Parameters() []*Parameter { return nil }

// Chain composes modules that share a device into a single module.
// Unlike Sequential, Chain performs no placement between its layers.
type Chain struct {
	Layers []Module
}

// NewChain returns a Chain of the provided layers.
func NewChain(layers ...Module) *Chain {
	return &Chain{Layers: layers}
}

// Forward implements Module.
func (c *Chain) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, layer := range c.Layers {
		if x, err = layer.Forward(ctx, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Parameters implements Module.
func (c *Chain) Parameters() []*Parameter {
	var params []*Parameter
	for _, layer := range c.Layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}
