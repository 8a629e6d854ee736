// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import "github.com/prometheus/client_golang/prometheus"

// Micro-batch outcome label values.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

var (
	forwardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bigpipe_forward_seconds",
			Help:    "Duration of batch-level pipeline forward calls, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	microBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigpipe_microbatches_total",
			Help: "Total number of micro-batches dispatched through pipelines, by outcome.",
		},
		[]string{"outcome"},
	)

	stageLockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bigpipe_stage_lock_wait_seconds",
			Help:    "Time spent waiting for a stage's lock before computing, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"device"},
	)

	stageComputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bigpipe_stage_compute_seconds",
			Help:    "Duration of a stage's computation under its lock, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"device"},
	)
)

func init() {
	prometheus.MustRegister(forwardDuration)
	prometheus.MustRegister(microBatchesTotal)
	prometheus.MustRegister(stageLockWait)
	prometheus.MustRegister(stageComputeDuration)

	microBatchesTotal.WithLabelValues(outcomeCompleted)
	microBatchesTotal.WithLabelValues(outcomeFailed)
}
