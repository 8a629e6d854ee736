// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"

	"github.com/grailbio/bigpipe/device"
	"github.com/grailbio/bigpipe/rref"
	"github.com/grailbio/bigpipe/tensor"
)

// A ParamRef is a reference to a parameter owned by a shard, possibly
// at a remote location. Holding a ParamRef does not transfer
// ownership of the parameter; forcing it returns the parameter's
// current value.
type ParamRef interface {
	rref.Ref
	// Name returns the parameter's name.
	Name() string
	// Key returns the parameter's key. References with equal keys
	// refer to the same parameter.
	Key() string
}

// RefParameter returns a reference to the local parameter p.
// Relocations of the reference use device.Default.
func RefParameter(p *Parameter) ParamRef {
	return paramRef{p, device.Default}
}

func refParameters(params []*Parameter, placer device.Placer) []ParamRef {
	refs := make([]ParamRef, len(params))
	for i, p := range params {
		refs[i] = paramRef{p, placer}
	}
	return refs
}

type paramRef struct {
	p      *Parameter
	placer device.Placer
}

func (r paramRef) Force(ctx context.Context) (*tensor.Tensor, error) {
	return r.p.Value, nil
}

func (r paramRef) Relocate(d tensor.Device) rref.Ref {
	return rref.RelocateWith(r, r.placer, d)
}

func (r paramRef) Name() string { return r.p.Name }
func (r paramRef) Key() string  { return r.p.Key }
