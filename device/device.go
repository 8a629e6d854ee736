// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package device provides the placement service used by bigpipe:
// the relocation of tensors to execution contexts. Memory on real
// accelerators is out of scope; placers model relocation as a copy
// that rebinds the tensor to its target device, and enforce which
// devices are reachable.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/tensor"
)

// A Placer relocates tensors to devices. Place returns a tensor
// equivalent to t that resides on device d; it has no other
// observable side effects. Placement errors are returned to the
// caller and are never retried.
type Placer interface {
	Place(ctx context.Context, t *tensor.Tensor, d tensor.Device) (*tensor.Tensor, error)
}

// PlacerFunc adapts a function to a Placer.
type PlacerFunc func(ctx context.Context, t *tensor.Tensor, d tensor.Device) (*tensor.Tensor, error)

// Place implements Placer.
func (f PlacerFunc) Place(ctx context.Context, t *tensor.Tensor, d tensor.Device) (*tensor.Tensor, error) {
	return f(ctx, t, d)
}

// Default places tensors on any well-formed device.
var Default Placer = PlacerFunc(place)

func place(ctx context.Context, t *tensor.Tensor, d tensor.Device) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.E(errors.Invalid, "place: nil tensor")
	}
	if err := d.Validate(); err != nil {
		return nil, errors.E("place", err)
	}
	if t.Device == d {
		return t, nil
	}
	return t.To(d), nil
}

// A Registry is a Placer that only places tensors on the devices it
// has been given. Placement on any other device fails with an error
// of kind errors.NotExist.
type Registry struct {
	mu      sync.Mutex
	devices map[tensor.Device]bool
}

// NewRegistry returns a registry of the provided devices. NewRegistry
// panics if any device is malformed.
func NewRegistry(devices ...tensor.Device) *Registry {
	r := &Registry{devices: make(map[tensor.Device]bool)}
	for _, d := range devices {
		r.Add(d)
	}
	return r
}

// Add makes device d available for placement.
func (r *Registry) Add(d tensor.Device) {
	if err := d.Validate(); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.devices[d] = true
	r.mu.Unlock()
}

// Remove makes device d unavailable for placement.
func (r *Registry) Remove(d tensor.Device) {
	r.mu.Lock()
	delete(r.devices, d)
	r.mu.Unlock()
}

// Devices returns the registry's devices, sorted by name.
func (r *Registry) Devices() []tensor.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices := make([]tensor.Device, 0, len(r.devices))
	for d := range r.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices
}

// Place implements Placer.
func (r *Registry) Place(ctx context.Context, t *tensor.Tensor, d tensor.Device) (*tensor.Tensor, error) {
	r.mu.Lock()
	ok := r.devices[d]
	r.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("place: device %s is not available", d))
	}
	return place(ctx, t, d)
}
