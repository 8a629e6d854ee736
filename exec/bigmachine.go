// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/device"
	"github.com/grailbio/bigpipe/rref"
	"github.com/grailbio/bigpipe/tensor"
	"github.com/oklog/ulid/v2"
)

func init() {
	gob.Register(&shardService{})
}

// serviceName is the name under which the shard service is
// registered on each machine.
const serviceName = "Shard"

// dialRetryPolicy is the retry policy used when dialing a peer
// machine to fetch a pending value. At most maxDialRetries retries
// are attempted.
var dialRetryPolicy = retry.Backoff(100*time.Millisecond, 2*time.Second, 1.5)

const maxDialRetries = 5

// DefaultPendingTTL is the time for which a completed result is held
// by a shard service waiting to be fetched.
const DefaultPendingTTL = 10 * time.Minute

// BigmachineDeployer deploys each shard to its own bigmachine
// machine. Pending values stay on the machine that computes them:
// a downstream shard fetches its input directly from the upstream
// machine, so that intermediate values are never routed through the
// driver.
type BigmachineDeployer struct {
	b          *bigmachine.B
	params     []bigmachine.Param
	status     *status.Group
	pendingTTL time.Duration
}

// Bigmachine starts a bigmachine session on the provided system and
// returns a deployer that starts machines with the provided
// parameters. Shutdown should be called to release the session's
// machines.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) *BigmachineDeployer {
	return &BigmachineDeployer{b: bigmachine.Start(system), params: params, pendingTTL: DefaultPendingTTL}
}

// PendingTTL sets the time for which the shards deployed by d hold
// completed results that have not been fetched. Results are left
// unfetched when the call that would consume them is canceled.
func (d *BigmachineDeployer) PendingTTL(ttl time.Duration) *BigmachineDeployer {
	d.pendingTTL = ttl
	return d
}

// Status reports the state of deployed machines to the provided
// status group.
func (d *BigmachineDeployer) Status(group *status.Group) *BigmachineDeployer {
	d.status = group
	return d
}

// HandleDebug registers bigmachine's debug handlers on mux.
func (d *BigmachineDeployer) HandleDebug(mux *http.ServeMux) {
	d.b.HandleDebug(mux)
}

// Shutdown shuts down the deployer's bigmachine session, stopping
// all of its machines.
func (d *BigmachineDeployer) Shutdown() {
	d.b.Shutdown()
}

// Deploy implements bigpipe.Deployer. Deploy validates the spec,
// starts a new machine and installs the shard service on it; the
// shard is constructed, and its unit bound, when the service is
// initialized. Deploy returns once the machine is running and the
// shard has been constructed. Construction errors keep their kind.
func (d *BigmachineDeployer) Deploy(ctx context.Context, spec bigpipe.ShardSpec) (bigpipe.Actor, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.E("exec.Bigmachine: deploy "+spec.Location, err)
	}
	svc := &shardService{
		Location:   spec.Location,
		Unit:       spec.Unit,
		Device:     spec.Device,
		Variant:    spec.Variant,
		PendingTTL: d.pendingTTL,
	}
	params := append([]bigmachine.Param{bigmachine.Services{serviceName: svc}}, d.params...)
	machines, err := d.b.Start(ctx, 1, params...)
	if err != nil {
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("exec.Bigmachine: start machine for %s", spec.Location), err)
	}
	m := machines[0]
	var task *status.Task
	if d.status != nil {
		task = d.status.Startf("%s", spec.Location)
		task.Print("waiting for machine to boot")
	}
	select {
	case <-m.Wait(bigmachine.Running):
	case <-ctx.Done():
		m.Cancel()
		if task != nil {
			task.Done()
		}
		return nil, ctx.Err()
	}
	if err := m.Err(); err != nil {
		log.Printf("machine %s for %s failed to start: %v", m.Addr, spec.Location, err)
		if task != nil {
			task.Printf("failed to start: %v", err)
			task.Done()
		}
		m.Cancel()
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("exec.Bigmachine: deploy %s", spec.Location), err)
	}
	if err := m.Call(ctx, serviceName+".Ready", struct{}{}, nil); err != nil {
		log.Printf("shard %s on machine %s failed to initialize: %v", spec.Location, m.Addr, err)
		if task != nil {
			task.Printf("failed to initialize: %v", err)
			task.Done()
		}
		m.Cancel()
		return nil, errors.E(fmt.Sprintf("exec.Bigmachine: deploy %s", spec.Location), err)
	}
	if task != nil {
		task.Title(spec.Location, " ", m.Addr)
		task.Print("running")
	}
	log.Printf("%s shard %s is ready on machine %s (%s)", spec.Variant, spec.Location, m.Addr, spec.Device)
	return &machineActor{location: spec.Location, m: m, task: task}, nil
}

// ShardStats describe the pending-result table of a deployed shard.
type ShardStats struct {
	// Pending is the number of results that are held by the shard and
	// have not yet been fetched.
	Pending int
	// Submitted is the total number of submitted invocations.
	Submitted int
	// Completed and Failed count the submitted invocations that have
	// completed successfully or failed, respectively.
	Completed, Failed int
	// Expired is the number of results that were dropped because
	// they were not fetched within the shard's pending TTL.
	Expired int
}

// Stats returns the stats of the shard behind the provided actor,
// which must have been deployed by a BigmachineDeployer.
func Stats(ctx context.Context, actor bigpipe.Actor) (ShardStats, error) {
	a, ok := actor.(*machineActor)
	if !ok {
		return ShardStats{}, errors.E(errors.NotSupported, fmt.Sprintf("exec.Stats: %T is not a bigmachine actor", actor))
	}
	var stats ShardStats
	err := a.m.RetryCall(ctx, serviceName+".Stats", struct{}{}, &stats)
	return stats, err
}

// WireRef is the wire representation of a pending input. Either
// Value is set, or Addr and ID name a pending result held by the
// shard service on machine Addr.
type wireRef struct {
	Value *tensor.Tensor

	Addr, ID string
	// Device is the device to which a pending result should be
	// relocated by its owner before it is returned; empty if no
	// relocation is required.
	Device tensor.Device
}

type fetchRequest struct {
	ID     string
	Device tensor.Device
}

type paramInfo struct {
	Key, Name string
}

// ShardService is the bigmachine service that hosts a single shard.
// Results of submitted invocations are held in a table keyed by
// result ID until they are fetched; each result is fetched exactly
// once, by the consumer of its handle. Completed results that are
// not fetched within PendingTTL are dropped.
type shardService struct {
	Location   string
	Unit       bigpipe.Module
	Device     tensor.Device
	Variant    bigpipe.Variant
	PendingTTL time.Duration

	b       *bigmachine.B
	shard   *bigpipe.Shard
	initErr error

	mu                                    sync.Mutex
	pending                               map[string]*pendingResult
	submitted, completed, failed, expired int
}

type pendingResult struct {
	*rref.Future
	// done is the time at which the result completed; zero while it
	// is being computed.
	done time.Time
}

// Init constructs the shard. Construction errors are reported by
// Ready: an error returned from Init would be retried by the
// machine's supervisor instead of reaching the deployer.
func (s *shardService) Init(b *bigmachine.B) error {
	s.b = b
	s.pending = make(map[string]*pendingResult)
	s.shard, s.initErr = bigpipe.NewShard(context.Background(), s.Unit, s.Device, s.Variant, nil)
	if s.initErr != nil {
		log.Error.Printf("shard %s: %v", s.Location, s.initErr)
		return nil
	}
	if s.PendingTTL > 0 {
		go s.expire(s.PendingTTL)
	}
	log.Printf("shard %s: bound to %s", s.Location, s.Device)
	return nil
}

// Ready returns the error, if any, that occurred while constructing
// the shard.
func (s *shardService) Ready(ctx context.Context, _ struct{}, _ *struct{}) error {
	return s.initErr
}

// expire periodically drops completed results that have been pending
// for longer than ttl.
func (s *shardService) expire(ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for now := range ticker.C {
		s.mu.Lock()
		for key, r := range s.pending {
			if !r.done.IsZero() && now.Sub(r.done) > ttl {
				delete(s.pending, key)
				s.expired++
				log.Printf("shard %s: dropped unfetched result %s", s.Location, key)
			}
		}
		s.mu.Unlock()
	}
}

// Submit begins an invocation of the shard on the provided input
// and returns the ID of its pending result. Submit does not wait for
// the invocation to complete, nor for its input to be available.
func (s *shardService) Submit(ctx context.Context, ref wireRef, id *string) error {
	in, err := s.resolve(ref)
	if err != nil {
		return err
	}
	key := ulid.Make().String()
	// The invocation outlives the call that submitted it.
	f := rref.Go(func() (*tensor.Tensor, error) {
		return s.shard.Forward(context.Background(), in)
	})
	r := &pendingResult{Future: f}
	s.mu.Lock()
	s.pending[key] = r
	s.submitted++
	s.mu.Unlock()
	go func() {
		<-f.Done()
		s.mu.Lock()
		r.done = time.Now()
		if err := f.Err(); err != nil {
			s.failed++
			log.Error.Printf("shard %s: result %s: %v", s.Location, key, err)
		} else {
			s.completed++
		}
		s.mu.Unlock()
	}()
	*id = key
	return nil
}

// Fetch waits for the pending result with the provided ID, removes
// it from the shard's table, and returns it, relocated to the
// requested device if one is provided.
func (s *shardService) Fetch(ctx context.Context, req fetchRequest, reply *tensor.Tensor) error {
	s.mu.Lock()
	f, ok := s.pending[req.ID]
	s.mu.Unlock()
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("shard %s: no pending result %s", s.Location, req.ID))
	}
	t, err := f.Force(ctx)
	if err != nil && ctx.Err() != nil {
		// The result has not been consumed.
		return err
	}
	s.mu.Lock()
	delete(s.pending, req.ID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if req.Device != "" {
		if t, err = device.Default.Place(ctx, t, req.Device); err != nil {
			return err
		}
	}
	*reply = *t
	return nil
}

// Forward invokes the shard on the provided input and returns its
// output.
func (s *shardService) Forward(ctx context.Context, ref wireRef, reply *tensor.Tensor) error {
	in, err := s.resolve(ref)
	if err != nil {
		return err
	}
	t, err := s.shard.Forward(ctx, in)
	if err != nil {
		return err
	}
	*reply = *t
	return nil
}

// Parameters returns the keys and names of the shard's parameters.
func (s *shardService) Parameters(ctx context.Context, _ struct{}, reply *[]paramInfo) error {
	for _, ref := range s.shard.ParameterRefs() {
		*reply = append(*reply, paramInfo{Key: ref.Key(), Name: ref.Name()})
	}
	return nil
}

// Parameter returns the current value of the parameter with the
// provided key.
func (s *shardService) Parameter(ctx context.Context, key string, reply *tensor.Tensor) error {
	for _, ref := range s.shard.ParameterRefs() {
		if ref.Key() != key {
			continue
		}
		t, err := ref.Force(ctx)
		if err != nil {
			return err
		}
		*reply = *t
		return nil
	}
	return errors.E(errors.NotExist, fmt.Sprintf("shard %s: no parameter %s", s.Location, key))
}

// Stats returns the state of the shard's pending-result table.
func (s *shardService) Stats(ctx context.Context, _ struct{}, reply *ShardStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = ShardStats{
		Pending:   len(s.pending),
		Submitted: s.submitted,
		Completed: s.completed,
		Failed:    s.failed,
		Expired:   s.expired,
	}
	return nil
}

func (s *shardService) resolve(ref wireRef) (rref.Ref, error) {
	switch {
	case ref.Value != nil:
		return rref.Of(ref.Value), nil
	case ref.Addr != "" && ref.ID != "":
		return &peerRef{b: s.b, addr: ref.Addr, id: ref.ID, dev: ref.Device}, nil
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("shard %s: empty input reference", s.Location))
	}
}

// PeerRef is a pending result held by the shard service of another
// machine.
type peerRef struct {
	b        *bigmachine.B
	addr, id string
	dev      tensor.Device
}

func (p *peerRef) Force(ctx context.Context) (*tensor.Tensor, error) {
	var (
		m   *bigmachine.Machine
		err error
	)
	for retries := 0; ; retries++ {
		if m, err = p.b.Dial(ctx, p.addr); err == nil {
			break
		}
		log.Error.Printf("dial %s (%d): %v", p.addr, retries, err)
		if retries == maxDialRetries {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("fetch %s from %s", p.id, p.addr), err)
		}
		if err := retry.Wait(ctx, dialRetryPolicy, retries); err != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("fetch %s from %s", p.id, p.addr), err)
		}
	}
	t := new(tensor.Tensor)
	if err := m.Call(ctx, serviceName+".Fetch", fetchRequest{ID: p.id, Device: p.dev}, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *peerRef) Relocate(d tensor.Device) rref.Ref {
	return &peerRef{b: p.b, addr: p.addr, id: p.id, dev: d}
}

// machineActor is the driver's handle to a shard service.
type machineActor struct {
	location string
	m        *bigmachine.Machine
	task     *status.Task

	closeOnce sync.Once
}

func (a *machineActor) Location() string { return a.location }

// Remote implements bigpipe.Actor. The submission is performed in
// the background; the returned handle names the result once the
// submission completes.
func (a *machineActor) Remote(ctx context.Context, in bigpipe.Ref) bigpipe.Ref {
	sub := &submission{ready: make(chan struct{})}
	go func() {
		defer close(sub.ready)
		ref, err := toWire(ctx, in)
		if err != nil {
			sub.err = err
			return
		}
		sub.err = a.m.Call(ctx, serviceName+".Submit", ref, &sub.id)
	}()
	return &machineRef{m: a.m, sub: sub}
}

func (a *machineActor) Async(ctx context.Context, in bigpipe.Ref) *rref.Future {
	return rref.Go(func() (*tensor.Tensor, error) {
		ref, err := toWire(ctx, in)
		if err != nil {
			return nil, err
		}
		t := new(tensor.Tensor)
		if err := a.m.Call(ctx, serviceName+".Forward", ref, t); err != nil {
			return nil, err
		}
		return t, nil
	})
}

func (a *machineActor) ParameterRefs(ctx context.Context) ([]bigpipe.ParamRef, error) {
	var infos []paramInfo
	if err := a.m.RetryCall(ctx, serviceName+".Parameters", struct{}{}, &infos); err != nil {
		return nil, err
	}
	refs := make([]bigpipe.ParamRef, len(infos))
	for i, info := range infos {
		refs[i] = &machineParamRef{m: a.m, info: info}
	}
	return refs, nil
}

func (a *machineActor) Close() error {
	a.closeOnce.Do(func() {
		a.m.Cancel()
		if a.task != nil {
			a.task.Print("closed")
			a.task.Done()
		}
	})
	return nil
}

// toWire converts a pending input into its wire representation.
// Results pending on a machine are passed by reference; any other
// value is realized and passed inline.
func toWire(ctx context.Context, in bigpipe.Ref) (wireRef, error) {
	if r, ok := in.(*machineRef); ok {
		select {
		case <-r.sub.ready:
		case <-ctx.Done():
			return wireRef{}, ctx.Err()
		}
		if r.sub.err != nil {
			return wireRef{}, r.sub.err
		}
		return wireRef{Addr: r.m.Addr, ID: r.sub.id, Device: r.dev}, nil
	}
	t, err := in.Force(ctx)
	if err != nil {
		return wireRef{}, err
	}
	return wireRef{Value: t}, nil
}

type submission struct {
	ready chan struct{}
	id    string
	err   error
}

// MachineRef is a handle to a result pending on a machine.
type machineRef struct {
	m   *bigmachine.Machine
	sub *submission
	dev tensor.Device
}

func (r *machineRef) Force(ctx context.Context) (*tensor.Tensor, error) {
	select {
	case <-r.sub.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.sub.err != nil {
		return nil, r.sub.err
	}
	t := new(tensor.Tensor)
	if err := r.m.Call(ctx, serviceName+".Fetch", fetchRequest{ID: r.sub.id, Device: r.dev}, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *machineRef) Relocate(d tensor.Device) rref.Ref {
	return &machineRef{m: r.m, sub: r.sub, dev: d}
}

type machineParamRef struct {
	m    *bigmachine.Machine
	info paramInfo
}

func (r *machineParamRef) Force(ctx context.Context) (*tensor.Tensor, error) {
	t := new(tensor.Tensor)
	if err := r.m.RetryCall(ctx, serviceName+".Parameter", r.info.Key, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *machineParamRef) Relocate(d tensor.Device) rref.Ref {
	return rref.RelocateWith(r, device.Default, d)
}

func (r *machineParamRef) Name() string { return r.info.Name }
func (r *machineParamRef) Key() string  { return r.info.Key }
