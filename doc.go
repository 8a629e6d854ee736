// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigpipe implements pipeline-parallel execution of
	sequential models. A model is split into stages, each of which is
	bound to a device; a batch of inputs is split into micro-batches,
	and every micro-batch is chained through all of the stages without
	waiting for any of them to finish. Because each stage serializes
	its own invocations, stage i computes on micro-batch k+1 while
	stage i+1 computes on micro-batch k.

	Pipelines can run entirely within one process, with stages bound to
	the process's devices (see NewSequential and NewStage), or across
	multiple locations. In the latter case, each stage is deployed as a
	Shard at its own location by a Deployer, and the pipeline drives
	the resulting actors by passing handles to pending values (see
	package rref) between them. Package exec provides deployers for
	in-process execution and for distribution with bigmachine.

	A simple two-stage pipeline:

		specs := []bigpipe.StageSpec{
			{Location: "a", Unit: bigpipe.NewScale(2), Device: "cpu"},
			{Location: "b", Unit: bigpipe.NewShift(1), Device: "cpu"},
		}
		p, err := bigpipe.New(ctx, exec.Local, specs, bigpipe.WithSplitSize(2))
		if err != nil {
			log.Fatal(err)
		}
		defer p.Close()
		y, err := p.Forward(ctx, tensor.Column(1, 2, 3, 4))
		// y is [3, 5, 7, 9]

	Shards are either host resident, relocating their inputs to their
	device and their outputs to the host, or compute resident,
	computing on values where they lie (see Variant).
*/
package bigpipe
