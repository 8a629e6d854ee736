// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/rref"
	"github.com/grailbio/bigpipe/tensor"
)

// A StageSpec describes one stage of a pipeline: the module to run,
// the location that hosts it, and the device to which it is bound
// there. Pipelines are built from ordered lists of StageSpecs; list
// order is pipeline order.
type StageSpec struct {
	Location string
	Unit     Module
	Device   tensor.Device
}

// A ShardSpec is the request to deploy a single shard.
type ShardSpec struct {
	StageSpec
	Variant Variant
}

// Validate checks the spec's construction arguments without
// deploying it: the unit must be non-nil, the device well formed,
// and the variant known. Errors are of kind errors.Invalid.
// Deployers validate specs before starting any remote resources so
// that malformed specs fail immediately.
func (s ShardSpec) Validate() error {
	if s.Unit == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("location %s: nil unit", s.Location))
	}
	if err := s.Device.Validate(); err != nil {
		return errors.E(fmt.Sprintf("location %s", s.Location), err)
	}
	if s.Variant < 0 || s.Variant >= maxVariant {
		return errors.E(errors.Invalid, fmt.Sprintf("location %s: invalid variant %d", s.Location, s.Variant))
	}
	return nil
}

// A Deployer resolves execution locations and deploys shards to them.
type Deployer interface {
	// Deploy deploys a shard as described by spec, returning a handle
	// to the deployed actor. Deploy fails if the location is
	// unreachable or the shard cannot be constructed there.
	Deploy(ctx context.Context, spec ShardSpec) (Actor, error)
}

// An Actor is a handle to a deployed shard. Actors provide the two
// invocation modes used by pipelines: Remote, which returns a handle
// to the pending result immediately so that it may be chained into
// the next stage, and Async, which returns a future of the realized
// result.
type Actor interface {
	// Location returns the location at which the actor is deployed.
	Location() string
	// Remote invokes the shard's Forward on the pending input in and
	// returns a handle to its pending output without waiting for the
	// invocation to complete. Invocation errors are returned when the
	// handle is forced.
	Remote(ctx context.Context, in Ref) Ref
	// Async invokes the shard's Forward on the pending input in and
	// returns a future of its output.
	Async(ctx context.Context, in Ref) *rref.Future
	// ParameterRefs synchronously retrieves references to the shard's
	// parameters.
	ParameterRefs(ctx context.Context) ([]ParamRef, error)
	// Close releases the actor and the resources of its location.
	Close() error
}

// Ref is an alias for rref.Ref, the pending value handle.
type Ref = rref.Ref

// Zip builds an ordered list of stage specs from a map of modules
// and a map of devices, both keyed by location. The pipeline order
// is given explicitly by order. Zip returns an error of kind
// errors.Invalid if the two maps do not have the same set of
// locations, or if order is not exactly that set of locations.
func Zip(order []string, units map[string]Module, devices map[string]tensor.Device) ([]StageSpec, error) {
	var missing []string
	for loc := range units {
		if _, ok := devices[loc]; !ok {
			missing = append(missing, loc+" (no device)")
		}
	}
	for loc := range devices {
		if _, ok := units[loc]; !ok {
			missing = append(missing, loc+" (no unit)")
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("bigpipe.Zip: mismatched locations: %s", strings.Join(missing, ", ")))
	}
	if len(order) != len(units) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("bigpipe.Zip: order names %d locations, but %d are defined", len(order), len(units)))
	}
	seen := make(map[string]bool)
	specs := make([]StageSpec, len(order))
	for i, loc := range order {
		unit, ok := units[loc]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bigpipe.Zip: unknown location %s", loc))
		}
		if seen[loc] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bigpipe.Zip: duplicate location %s", loc))
		}
		seen[loc] = true
		specs[i] = StageSpec{Location: loc, Unit: unit, Device: devices[loc]}
	}
	return specs, nil
}
