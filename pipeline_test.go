// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigpipe/internal/trace"
	"github.com/grailbio/bigpipe/rref"
	"github.com/grailbio/bigpipe/tensor"
	"github.com/prometheus/client_golang/prometheus"
)

// testActor invokes an in-process Invoker.
type testActor struct {
	location string
	inv      Invoker
	closed   int32
}

func (a *testActor) Location() string { return a.location }

func (a *testActor) Remote(ctx context.Context, in Ref) Ref {
	return a.Async(ctx, in)
}

func (a *testActor) Async(ctx context.Context, in Ref) *rref.Future {
	return rref.Go(func() (*tensor.Tensor, error) {
		return a.inv.Forward(ctx, in)
	})
}

func (a *testActor) ParameterRefs(ctx context.Context) ([]ParamRef, error) {
	return a.inv.ParameterRefs(), nil
}

func (a *testActor) Close() error {
	atomic.StoreInt32(&a.closed, 1)
	return nil
}

// testDeployer deploys shards in process. Deployments to locations
// in unreachable fail.
type testDeployer struct {
	unreachable map[string]bool

	mu     sync.Mutex
	actors []*testActor
}

func (d *testDeployer) Deploy(ctx context.Context, spec ShardSpec) (Actor, error) {
	if d.unreachable[spec.Location] {
		return nil, fmt.Errorf("location %s unreachable", spec.Location)
	}
	shard, err := NewShard(ctx, spec.Unit, spec.Device, spec.Variant, nil)
	if err != nil {
		return nil, err
	}
	actor := &testActor{location: spec.Location, inv: shard}
	d.mu.Lock()
	d.actors = append(d.actors, actor)
	d.mu.Unlock()
	return actor, nil
}

// failIf fails on inputs that contain Value.
func failIf(value float64) Module {
	return Func(func(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
		for _, v := range x.Data {
			if v == value {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bad value %v", v))
			}
		}
		return x.Clone(), nil
	})
}

// jitter sleeps for a random duration before passing its input on.
func jitter(max time.Duration) Module {
	var mu sync.Mutex
	r := rand.New(rand.NewSource(0))
	return Func(func(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
		mu.Lock()
		d := time.Duration(r.Int63n(int64(max)))
		mu.Unlock()
		time.Sleep(d)
		return x.Clone(), nil
	})
}

func twoStage(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	specs := []StageSpec{
		{Location: "a", Unit: NewScale(2), Device: "cpu"},
		{Location: "b", Unit: NewShift(1), Device: "cpu"},
	}
	p, err := New(context.Background(), new(testDeployer), specs, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPipeline(t *testing.T) {
	p := twoStage(t, WithSplitSize(2))
	defer p.Close()
	if got, want := p.Stages(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	y, trace, err := p.ForwardTrace(context.Background(), tensor.Column(1, 2, 3, 4))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := y, tensor.Column(3, 5, 7, 9); !tensor.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	batches := trace.MicroBatches()
	if got, want := len(batches), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	wantHistory := []MicroBatchState{MicroBatchCreated, MicroBatchChained, MicroBatchDispatched, MicroBatchCompleted}
	for i, b := range batches {
		if got, want := b.Index, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := b.Rows, 2; got != want {
			t.Errorf("batch %d: got %v, want %v", i, got, want)
		}
		if got, want := b.History, wantHistory; !reflect.DeepEqual(got, want) {
			t.Errorf("batch %d: got %v, want %v", i, got, want)
		}
	}
	if trace.ID == "" {
		t.Error("empty trace ID")
	}
}

func TestPipelineUneven(t *testing.T) {
	ctx := context.Background()
	for _, c := range []struct {
		rows, split int
		sizes       []int
	}{
		{5, 2, []int{2, 2, 1}},
		{4, 4, []int{4}},
		{3, 10, []int{3}},
		{7, 1, []int{1, 1, 1, 1, 1, 1, 1}},
	} {
		p := twoStage(t, WithSplitSize(c.split))
		vals := make([]float64, c.rows)
		want := make([]float64, c.rows)
		for i := range vals {
			vals[i] = float64(i)
			want[i] = 2*float64(i) + 1
		}
		y, trace, err := p.ForwardTrace(ctx, tensor.Column(vals...))
		if err != nil {
			t.Fatal(err)
		}
		if got, want := y, tensor.Column(want...); !tensor.Equal(got, want) {
			t.Errorf("rows %d, split %d: got %v, want %v", c.rows, c.split, got, want)
		}
		var sizes []int
		for _, b := range trace.MicroBatches() {
			sizes = append(sizes, b.Rows)
		}
		if !reflect.DeepEqual(sizes, c.sizes) {
			t.Errorf("rows %d, split %d: got %v, want %v", c.rows, c.split, sizes, c.sizes)
		}
		p.Close()
	}
}

func TestPipelineEmpty(t *testing.T) {
	p := twoStage(t, WithSplitSize(3))
	defer p.Close()
	y, err := p.Forward(context.Background(), tensor.New(0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := y.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPipelineOrder(t *testing.T) {
	specs := []StageSpec{
		{Location: "a", Unit: jitter(5 * time.Millisecond), Device: "cpu"},
		{Location: "b", Unit: jitter(5 * time.Millisecond), Device: "cuda:0"},
		{Location: "c", Unit: NewShift(0), Device: "cpu"},
	}
	p, err := New(context.Background(), new(testDeployer), specs)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	const N = 50
	vals := make([]float64, N)
	for i := range vals {
		vals[i] = float64(i)
	}
	y, err := p.Forward(context.Background(), tensor.Column(vals...))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := y, tensor.Column(vals...); !tensor.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := y.Device, tensor.Host; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPipelineFailure(t *testing.T) {
	specs := []StageSpec{
		{Location: "a", Unit: NewScale(2), Device: "cpu"},
		{Location: "b", Unit: failIf(6), Device: "cpu"},
	}
	p, err := New(context.Background(), new(testDeployer), specs, WithSplitSize(2))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	y, trace, err := p.ForwardTrace(context.Background(), tensor.Column(1, 2, 3, 4))
	if err == nil {
		t.Fatalf("expected error, got %v", y)
	}
	if y != nil {
		t.Errorf("got partial output %v", y)
	}
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if !strings.Contains(err.Error(), "bad value 6") {
		t.Errorf("error %v does not name the failure", err)
	}
	batches := trace.MicroBatches()
	if got, want := batches[0].State, MicroBatchCompleted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := batches[1].State, MicroBatchFailed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if batches[1].Err == nil {
		t.Error("failed micro-batch has no error")
	}
	// The pipeline remains usable.
	y, err = p.Forward(context.Background(), tensor.Column(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := y, tensor.Column(2, 4); !tensor.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPipelineFirstFailure(t *testing.T) {
	specs := []StageSpec{
		{Location: "a", Unit: failIf(1), Device: "cpu"},
		{Location: "b", Unit: failIf(4), Device: "cpu"},
	}
	p, err := New(context.Background(), new(testDeployer), specs)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	_, err = p.Forward(context.Background(), tensor.Column(0, 1, 2, 3, 4))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "bad value 1") {
		t.Errorf("got %v, want error of micro-batch 1", err)
	}
}

func TestPipelineCanceled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	block := Func(func(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
		<-release
		return x, nil
	})
	specs := []StageSpec{
		{Location: "a", Unit: NewScale(1), Device: "cpu"},
		{Location: "b", Unit: block, Device: "cpu"},
	}
	p, err := New(context.Background(), new(testDeployer), specs)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Forward(ctx, tensor.Column(1, 2, 3))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestPipelineComputeResident(t *testing.T) {
	specs := []StageSpec{
		{Location: "a", Unit: NewScale(2), Device: "cpu"},
		{Location: "b", Unit: NewShift(1), Device: "cpu"},
	}
	p, err := New(context.Background(), new(testDeployer), specs, WithVariant(ComputeResident), WithSplitSize(3))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	y, err := p.Forward(context.Background(), tensor.Column(1, 2, 3, 4))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := y, tensor.Column(3, 5, 7, 9); !tensor.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPipelineStatus(t *testing.T) {
	var s status.Status
	p := twoStage(t, WithStatus(s.Group("forward")), WithSplitSize(1))
	defer p.Close()
	if _, err := p.Forward(context.Background(), tensor.Column(1, 2, 3)); err != nil {
		t.Fatal(err)
	}
}

func TestPipelineParameterRefs(t *testing.T) {
	ctx := context.Background()
	p := twoStage(t)
	defer p.Close()
	first, err := p.ParameterRefs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, ref := range first {
		names = append(names, ref.Name())
	}
	if got, want := names, []string{"factor", "bias"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	second, err := p.ParameterRefs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if got, want := second[i].Key(), first[i].Key(); got != want {
			t.Errorf("parameter %d: got %v, want %v", i, got, want)
		}
	}
	factor, err := first[0].Force(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := factor, tensor.Scalar(2); !tensor.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNewDeployFailure(t *testing.T) {
	deployer := &testDeployer{unreachable: map[string]bool{"c": true}}
	specs := []StageSpec{
		{Location: "a", Unit: NewScale(2), Device: "cpu"},
		{Location: "b", Unit: NewScale(2), Device: "cpu"},
		{Location: "c", Unit: NewShift(1), Device: "cpu"},
	}
	_, err := New(context.Background(), deployer, specs)
	if !errors.Is(errors.Unavailable, err) {
		t.Fatalf("got %v, want unavailable", err)
	}
	for _, actor := range deployer.actors {
		if atomic.LoadInt32(&actor.closed) == 0 {
			t.Errorf("actor %s was not closed", actor.location)
		}
	}
}

func TestNewInvalid(t *testing.T) {
	ctx := context.Background()
	specs := []StageSpec{{Location: "a", Unit: NewScale(2), Device: "cpu"}}
	for _, c := range []struct {
		name  string
		specs []StageSpec
		opts  []Option
	}{
		{"no stages", nil, nil},
		{"split size", specs, []Option{WithSplitSize(0)}},
		{"variant", specs, []Option{WithVariant(maxVariant)}},
		{"duplicate", append(specs, specs[0]), nil},
		{"nil unit", []StageSpec{{Location: "a", Device: "cpu"}}, nil},
		{"device", append(specs, StageSpec{Location: "b", Unit: NewShift(1), Device: "tpu:0"}), nil},
	} {
		d := new(testDeployer)
		_, err := New(ctx, d, c.specs, c.opts...)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: got %v, want invalid", c.name, err)
		}
		// Nothing is deployed for an invalid pipeline.
		if got := len(d.actors); got != 0 {
			t.Errorf("%s: got %v deployed actors, want 0", c.name, got)
		}
	}
	spec := ShardSpec{StageSpec: specs[0], Variant: ComputeResident}
	if err := spec.Validate(); err != nil {
		t.Errorf("got %v, want nil", err)
	}
	if _, err := NewWithActors(nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestNewWithActors(t *testing.T) {
	ctx := context.Background()
	stage, err := NewStage(ctx, []Module{NewScale(2), NewShift(1)}, []tensor.Device{"cuda:0", "cuda:1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewWithActors([]Actor{
		&testActor{location: "local", inv: stage},
		&testActor{location: "tail", inv: mustShard(t, NewScale(10), "cpu")},
	}, WithSplitSize(2))
	if err != nil {
		t.Fatal(err)
	}
	y, err := p.Forward(ctx, tensor.Column(0, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := y, tensor.Column(10, 30, 50); !tensor.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	for _, actor := range p.Actors() {
		if atomic.LoadInt32(&actor.(*testActor).closed) == 0 {
			t.Errorf("actor %s was not closed", actor.Location())
		}
	}
}

func mustShard(t *testing.T, unit Module, d tensor.Device) *Shard {
	t.Helper()
	shard, err := NewShard(context.Background(), unit, d, HostResident, nil)
	if err != nil {
		t.Fatal(err)
	}
	return shard
}

func TestZip(t *testing.T) {
	units := map[string]Module{"a": NewScale(2), "b": NewShift(1)}
	devices := map[string]tensor.Device{"a": "cpu", "b": "cuda:0"}
	specs, err := Zip([]string{"b", "a"}, units, devices)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(specs), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := specs[0], (StageSpec{"b", units["b"], "cuda:0"}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := specs[1], (StageSpec{"a", units["a"], "cpu"}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, c := range []struct {
		name    string
		order   []string
		devices map[string]tensor.Device
	}{
		{"missing device", []string{"a", "b"}, map[string]tensor.Device{"a": "cpu"}},
		{"extra device", []string{"a", "b"}, map[string]tensor.Device{"a": "cpu", "b": "cpu", "c": "cpu"}},
		{"short order", []string{"a"}, devices},
		{"unknown location", []string{"a", "c"}, devices},
		{"duplicate location", []string{"a", "a"}, devices},
	} {
		if _, err := Zip(c.order, units, c.devices); !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: got %v, want invalid", c.name, err)
		}
	}
}

func TestMetricsRegistered(t *testing.T) {
	p := twoStage(t)
	defer p.Close()
	if _, err := p.Forward(context.Background(), tensor.Column(1)); err != nil {
		t.Fatal(err)
	}
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range []string{
		"bigpipe_forward_seconds",
		"bigpipe_microbatches_total",
		"bigpipe_stage_lock_wait_seconds",
		"bigpipe_stage_compute_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMicroBatchState(t *testing.T) {
	if got, want := MicroBatchFailed.String(), "FAILED"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !MicroBatchCompleted.Terminal() || MicroBatchDispatched.Terminal() {
		t.Error("bad terminal states")
	}
	trace := newTrace("x", []int{1})
	trace.set(0, MicroBatchFailed, errors.E("boom"))
	trace.set(0, MicroBatchCompleted, nil)
	if got, want := trace.MicroBatches()[0].State, MicroBatchFailed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := trace.Counts()[MicroBatchFailed], 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTraceChrome(t *testing.T) {
	specs := []StageSpec{
		{Location: "a", Unit: NewScale(2), Device: "cpu"},
		{Location: "b", Unit: failIf(6), Device: "cpu"},
	}
	p, err := New(context.Background(), new(testDeployer), specs, WithSplitSize(2))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	_, tr, err := p.ForwardTrace(context.Background(), tensor.Column(1, 2, 3, 4))
	if err == nil {
		t.Fatal("expected error")
	}
	var b bytes.Buffer
	if err := tr.WriteChrome(&b); err != nil {
		t.Fatal(err)
	}
	var decoded trace.T
	if err := decoded.Decode(&b); err != nil {
		t.Fatal(err)
	}
	// Each micro-batch has three complete events and one instant event.
	if got, want := len(decoded.Events), 8; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	var failed int
	for i, event := range decoded.Events {
		if i > 0 && event.Ts < decoded.Events[i-1].Ts {
			t.Errorf("event %d is out of order", i)
		}
		if event.Ph != "i" {
			continue
		}
		if event.Name == "FAILED" {
			failed++
			if _, ok := event.Args["error"]; !ok {
				t.Error("failed event has no error")
			}
		}
	}
	if got, want := failed, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
