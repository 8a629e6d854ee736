// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements deployers for bigpipe pipelines: Local,
// which deploys shards in-process, and Bigmachine, which deploys each
// shard to its own bigmachine machine and passes pending values
// between machines directly.
package exec

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/device"
	"github.com/grailbio/bigpipe/rref"
	"github.com/grailbio/bigpipe/tensor"
)

// Local is a deployer that deploys shards into the current process,
// using device.Default for placement.
var Local = NewLocal(nil)

// LocalDeployer deploys shards into the current process. Each shard
// is invoked in its own goroutine; pending values are futures.
type LocalDeployer struct {
	placer device.Placer

	mu       sync.Mutex
	deployed map[string]bool
}

// NewLocal returns a new local deployer that places values with the
// provided placer. If placer is nil, device.Default is used.
func NewLocal(placer device.Placer) *LocalDeployer {
	if placer == nil {
		placer = device.Default
	}
	return &LocalDeployer{placer: placer, deployed: make(map[string]bool)}
}

// Deploy implements bigpipe.Deployer. Each location may host at most
// one live shard.
func (l *LocalDeployer) Deploy(ctx context.Context, spec bigpipe.ShardSpec) (bigpipe.Actor, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.E("exec.Local: deploy "+spec.Location, err)
	}
	l.mu.Lock()
	if l.deployed[spec.Location] {
		l.mu.Unlock()
		return nil, errors.E(errors.Exists, "exec.Local: location "+spec.Location+" already hosts a shard")
	}
	l.deployed[spec.Location] = true
	l.mu.Unlock()
	shard, err := bigpipe.NewShard(ctx, spec.Unit, spec.Device, spec.Variant, l.placer)
	if err != nil {
		l.release(spec.Location)
		return nil, errors.E("exec.Local: deploy "+spec.Location, err)
	}
	log.Debug.Printf("exec.Local: deployed %s shard to %s on %s", spec.Variant, spec.Location, spec.Device)
	return &localActor{
		location: spec.Location,
		inv:      shard,
		placer:   l.placer,
		release:  func() { l.release(spec.Location) },
	}, nil
}

func (l *LocalDeployer) release(location string) {
	l.mu.Lock()
	delete(l.deployed, location)
	l.mu.Unlock()
}

// LocalActor returns an actor that invokes inv in process. It is
// used to drive stages that are constructed directly, e.g., with
// bigpipe.NewStage.
func LocalActor(location string, inv bigpipe.Invoker) bigpipe.Actor {
	return &localActor{location: location, inv: inv, placer: device.Default}
}

type localActor struct {
	location string
	inv      bigpipe.Invoker
	placer   device.Placer
	release  func()

	closeOnce sync.Once
}

func (a *localActor) Location() string { return a.location }

// Remote implements bigpipe.Actor. The returned handle is a future
// whose relocations use the deployer's placer.
func (a *localActor) Remote(ctx context.Context, in bigpipe.Ref) bigpipe.Ref {
	return rref.WithPlacer(a.Async(ctx, in), a.placer)
}

func (a *localActor) Async(ctx context.Context, in bigpipe.Ref) *rref.Future {
	return rref.Go(func() (*tensor.Tensor, error) {
		return a.inv.Forward(ctx, in)
	})
}

func (a *localActor) ParameterRefs(ctx context.Context) ([]bigpipe.ParamRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.inv.ParameterRefs(), nil
}

func (a *localActor) Close() error {
	a.closeOnce.Do(func() {
		if a.release != nil {
			a.release()
		}
	})
	return nil
}
