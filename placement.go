// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"fmt"

	"github.com/grailbio/bigpipe/device"
	"github.com/grailbio/bigpipe/tensor"
)

// ToDevice is a placement adapter: a parameterless module that moves
// its input to Device. It is interposed between adjacent stages of a
// Sequential pipeline.
type ToDevice struct {
	Device tensor.Device

	placer device.Placer
}

// NewToDevice returns a placement adapter for device d that uses the
// provided placer. If placer is nil, device.Default is used.
func NewToDevice(placer device.Placer, d tensor.Device) *ToDevice {
	return &ToDevice{Device: d, placer: placer}
}

// Forward implements Module.
func (t *ToDevice) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	placer := t.placer
	if placer == nil {
		placer = device.Default
	}
	return placer.Place(ctx, x, t.Device)
}

// Parameters implements Module.
func (*ToDevice) Parameters() []*Parameter { return nil }

// String returns a description of the adapter.
func (t *ToDevice) String() string {
	return fmt.Sprintf("ToDevice(%s)", t.Device)
}
