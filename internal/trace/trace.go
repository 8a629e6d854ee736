// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace encodes and decodes traces in the Chrome tracing
// format. For details of the format, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
package trace

import (
	"encoding/json"
	"io"
	"sort"
)

// T is a trace: a list of events.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is a single trace event. Ts and Dur are in microseconds.
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Sort orders the trace's events by timestamp, breaking ties by
// thread.
func (t *T) Sort() {
	sort.SliceStable(t.Events, func(i, j int) bool {
		if t.Events[i].Ts != t.Events[j].Ts {
			return t.Events[i].Ts < t.Events[j].Ts
		}
		return t.Events[i].Tid < t.Events[j].Tid
	})
}

// Encode writes the trace to w as JSON.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads a JSON-encoded trace from r.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}
