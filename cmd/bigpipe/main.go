// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigpipe runs a batch through a pipeline defined in an HCL
// file and prints the result.
//
//	bigpipe -config pipeline.hcl -input '1,2,3,4' [-split 2] [-system bigmachine]
//
// With -system=bigmachine, each stage runs on its own bigmachine
// machine (local processes); otherwise all stages run in process.
// With -params, the pipeline's parameters are printed along with
// their checksums; with -trace, the forward call's micro-batch
// timeline is written for viewing in chrome://tracing.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is exposed on the diagnostic web server.
	"os"
	"text/tabwriter"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/exec"
	"github.com/grailbio/bigpipe/internal/pipecfg"
	"github.com/grailbio/bigpipe/tensor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		configFlag  = flag.String("config", "", "pipeline definition file")
		inputFlag   = flag.String("input", "", "input batch: rows separated by ';', values by ','")
		splitFlag   = flag.Int("split", 0, "micro-batch size; overrides the definition's split_size")
		systemFlag  = flag.String("system", "local", "system on which to deploy stages: local or bigmachine")
		paramsFlag  = flag.Bool("params", false, "print parameter checksums")
		consoleFlag = flag.Bool("console", false, "display status on the console")
		httpFlag    = flag.String("http", "", "address of the diagnostic web server (status, metrics, pprof)")
		traceFlag   = flag.String("trace", "", "write a trace of the forward call, in Chrome tracing format, to this file")
	)
	log.AddFlags()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigpipe -config file -input batch [flags]\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()
	if *configFlag == "" || *inputFlag == "" {
		flag.Usage()
	}

	var top status.Status
	var deployer bigpipe.Deployer
	switch *systemFlag {
	case "local":
		deployer = exec.Local
	case "bigmachine":
		bm := exec.Bigmachine(bigmachine.Local).Status(top.Group("bigmachine"))
		defer bm.Shutdown()
		bm.HandleDebug(http.DefaultServeMux)
		deployer = bm
	default:
		log.Fatalf("unknown system %q", *systemFlag)
	}
	if *consoleFlag {
		var console status.Reporter
		go console.Go(os.Stderr, &top)
	}
	if *httpFlag != "" {
		http.Handle("/debug/status", status.Handler(&top))
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Printf("HTTP status at: %v", *httpFlag)
			if err := http.ListenAndServe(*httpFlag, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", *httpFlag, err)
			}
		}()
	}

	file, err := pipecfg.Load(*configFlag)
	must.Nil(err)
	specs, err := file.Specs()
	must.Nil(err)
	opts, err := file.Options()
	must.Nil(err)
	if *splitFlag > 0 {
		opts = append(opts, bigpipe.WithSplitSize(*splitFlag))
	}
	opts = append(opts, bigpipe.WithStatus(top.Group("forward")))
	xs, err := parseBatch(*inputFlag)
	must.Nil(err)

	ctx := context.Background()
	p, err := bigpipe.New(ctx, deployer, specs, opts...)
	must.Nil(err, "deploying pipeline")
	defer p.Close()
	y, trace, err := p.ForwardTrace(ctx, xs)
	if err != nil {
		log.Print(trace)
		log.Fatal(err)
	}
	log.Print(trace)
	if *traceFlag != "" {
		f, err := os.Create(*traceFlag)
		must.Nil(err)
		must.Nil(trace.WriteChrome(f))
		must.Nil(f.Close())
	}
	y.WriteTab(os.Stdout)

	if *paramsFlag {
		refs, err := p.ParameterRefs(ctx)
		must.Nil(err)
		var tw tabwriter.Writer
		tw.Init(os.Stdout, 4, 4, 1, ' ', 0)
		fmt.Fprintln(&tw, "name\tkey\tvalue\tchecksum")
		for _, ref := range refs {
			v, err := ref.Force(ctx)
			must.Nil(err)
			fmt.Fprintf(&tw, "%s\t%s\t%s\t%08x\n", ref.Name(), ref.Key(), v, tensor.Checksum(v))
		}
		tw.Flush()
	}
}
