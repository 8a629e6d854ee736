// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/bigpipe/internal/trace"
)

// MicroBatchState is the state of a micro-batch within a forward
// call. MicroBatchState values are defined so that their magnitudes
// correspond with micro-batch progression.
type MicroBatchState int

const (
	// MicroBatchCreated is the state of a micro-batch that has been
	// split from its batch but not yet dispatched.
	MicroBatchCreated MicroBatchState = iota
	// MicroBatchChained indicates that the micro-batch's pending
	// handle has been chained through every stage but the last.
	MicroBatchChained
	// MicroBatchDispatched indicates that the last stage has been
	// invoked asynchronously.
	MicroBatchDispatched
	// MicroBatchCompleted indicates that the micro-batch's output is
	// available.
	MicroBatchCompleted
	// MicroBatchFailed indicates that some stage failed while
	// processing the micro-batch.
	MicroBatchFailed

	maxMicroBatchState
)

var microBatchStates = [...]string{
	MicroBatchCreated:    "CREATED",
	MicroBatchChained:    "CHAINED",
	MicroBatchDispatched: "DISPATCHED",
	MicroBatchCompleted:  "COMPLETED",
	MicroBatchFailed:     "FAILED",
}

// String returns the state as an upper-case string.
func (s MicroBatchState) String() string {
	if s < 0 || s >= maxMicroBatchState {
		return fmt.Sprintf("MicroBatchState(%d)", int(s))
	}
	return microBatchStates[s]
}

// Terminal tells whether s is a terminal state.
func (s MicroBatchState) Terminal() bool {
	return s >= MicroBatchCompleted
}

// MicroBatch describes the progress of one micro-batch.
type MicroBatch struct {
	// Index is the micro-batch's position in its batch.
	Index int
	// Rows is the number of rows in the micro-batch.
	Rows int
	// State is the micro-batch's current state.
	State MicroBatchState
	// History lists every state the micro-batch has been in, in
	// order.
	History []MicroBatchState
	// Times holds the time at which the micro-batch entered each
	// state in History.
	Times []time.Time
	// Err is the error that failed the micro-batch.
	Err error
}

// A Trace records the progress of the micro-batches of a single
// forward call.
type Trace struct {
	// ID uniquely identifies the forward call.
	ID string

	start   time.Time
	mu      sync.Mutex
	batches []MicroBatch
}

func newTrace(id string, rows []int) *Trace {
	t := &Trace{ID: id, start: time.Now(), batches: make([]MicroBatch, len(rows))}
	for i, n := range rows {
		t.batches[i] = MicroBatch{
			Index:   i,
			Rows:    n,
			State:   MicroBatchCreated,
			History: []MicroBatchState{MicroBatchCreated},
			Times:   []time.Time{t.start},
		}
	}
	return t
}

// set moves micro-batch i to the provided state. States only
// advance: transitions to a smaller state are ignored, as are
// transitions out of a terminal state.
func (t *Trace) set(i int, state MicroBatchState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.batches[i]
	if b.State.Terminal() || state <= b.State {
		return
	}
	b.State = state
	b.History = append(b.History, state)
	b.Times = append(b.Times, time.Now())
	b.Err = err
}

// MicroBatches returns a snapshot of the trace's micro-batches, in
// batch order.
func (t *Trace) MicroBatches() []MicroBatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	batches := make([]MicroBatch, len(t.batches))
	for i, b := range t.batches {
		b.History = append([]MicroBatchState(nil), b.History...)
		b.Times = append([]time.Time(nil), b.Times...)
		batches[i] = b
	}
	return batches
}

// Counts returns the number of micro-batches in each state.
func (t *Trace) Counts() map[MicroBatchState]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[MicroBatchState]int)
	for _, b := range t.batches {
		counts[b.State]++
	}
	return counts
}

// String returns a summary of the trace.
func (t *Trace) String() string {
	counts := t.Counts()
	return fmt.Sprintf("forward %s: micro-batches created/chained/dispatched/completed/failed: %d/%d/%d/%d/%d",
		t.ID, counts[MicroBatchCreated], counts[MicroBatchChained], counts[MicroBatchDispatched],
		counts[MicroBatchCompleted], counts[MicroBatchFailed])
}

// WriteChrome writes the trace to w in the Chrome tracing format,
// which can be viewed with chrome://tracing. Each micro-batch is
// rendered as its own thread: every non-terminal state it passed
// through is a complete event, and its terminal state an instant
// event.
func (t *Trace) WriteChrome(w io.Writer) error {
	var tr trace.T
	for _, b := range t.MicroBatches() {
		for i, state := range b.History {
			event := trace.Event{
				Pid:  1,
				Tid:  b.Index,
				Ts:   b.Times[i].Sub(t.start).Microseconds(),
				Name: state.String(),
				Cat:  "microbatch",
				Args: map[string]interface{}{"forward": t.ID, "rows": b.Rows},
			}
			switch {
			case i+1 < len(b.History):
				event.Ph = "X"
				event.Dur = b.Times[i+1].Sub(b.Times[i]).Microseconds()
			case state == MicroBatchFailed && b.Err != nil:
				event.Ph = "i"
				event.Args["error"] = b.Err.Error()
			default:
				event.Ph = "i"
			}
			tr.Events = append(tr.Events, event)
		}
	}
	tr.Sort()
	return tr.Encode(w)
}
