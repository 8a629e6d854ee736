// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pipecfg decodes pipeline definitions from HCL files. A
// definition lists the pipeline's stages, in pipeline order, each
// with its location, device, and the units it runs:
//
//	split_size = 2
//	variant    = "host"
//
//	stage "a" {
//	  device = "cpu"
//	  unit "scale" { factor = 2 }
//	}
//
//	stage "b" {
//	  device = env.BIGPIPE_DEVICE
//	  unit "linear" {
//	    weight = [[1, 0], [0, 1]]
//	    bias   = [[1, 1]]
//	  }
//	  unit "relu" {}
//	}
//
// Multiple units within a stage are chained on the stage's device.
// The process environment is available to expressions as env.
package pipecfg

import (
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/tensor"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// File is a decoded pipeline definition.
type File struct {
	SplitSize *int     `hcl:"split_size,optional"`
	Variant   *string  `hcl:"variant,optional"`
	Stages    []*Stage `hcl:"stage,block"`
}

// Stage is a stage block.
type Stage struct {
	Location string  `hcl:"location,label"`
	Device   string  `hcl:"device"`
	Units    []*Unit `hcl:"unit,block"`
}

// Unit is a unit block. The attributes that apply depend on the
// unit's kind.
type Unit struct {
	Kind   string     `hcl:"kind,label"`
	Factor *float64   `hcl:"factor,optional"`
	Bias   *cty.Value `hcl:"bias,optional"`
	Weight *cty.Value `hcl:"weight,optional"`
}

// Load parses and decodes the pipeline definition at path.
func Load(path string) (*File, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pipecfg: parse %s: %s", path, diags.Error()))
	}
	return decode(f, path)
}

// Parse parses and decodes the pipeline definition in src. The
// filename is used in error messages.
func Parse(src []byte, filename string) (*File, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pipecfg: parse %s: %s", filename, diags.Error()))
	}
	return decode(f, filename)
}

func decode(f *hcl.File, filename string) (*File, error) {
	var file File
	if diags := gohcl.DecodeBody(f.Body, evalContext(), &file); diags.HasErrors() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pipecfg: decode %s: %s", filename, diags.Error()))
	}
	if len(file.Stages) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pipecfg: %s defines no stages", filename))
	}
	return &file, nil
}

func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = cty.StringVal(kv[i+1:])
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

// Specs returns the stage specs defined by the file, in pipeline
// order.
func (f *File) Specs() ([]bigpipe.StageSpec, error) {
	specs := make([]bigpipe.StageSpec, len(f.Stages))
	for i, stage := range f.Stages {
		d, err := tensor.ParseDevice(stage.Device)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("pipecfg: stage %s", stage.Location), err)
		}
		if len(stage.Units) == 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("pipecfg: stage %s has no units", stage.Location))
		}
		units := make([]bigpipe.Module, len(stage.Units))
		for j, u := range stage.Units {
			if units[j], err = u.Module(); err != nil {
				return nil, errors.E(fmt.Sprintf("pipecfg: stage %s: unit %d", stage.Location, j), err)
			}
		}
		unit := units[0]
		if len(units) > 1 {
			unit = bigpipe.NewChain(units...)
		}
		specs[i] = bigpipe.StageSpec{Location: stage.Location, Unit: unit, Device: d}
	}
	return specs, nil
}

// Options returns the pipeline options defined by the file.
func (f *File) Options() ([]bigpipe.Option, error) {
	var opts []bigpipe.Option
	if f.SplitSize != nil {
		opts = append(opts, bigpipe.WithSplitSize(*f.SplitSize))
	}
	if f.Variant != nil {
		v, err := bigpipe.ParseVariant(*f.Variant)
		if err != nil {
			return nil, errors.E("pipecfg", err)
		}
		opts = append(opts, bigpipe.WithVariant(v))
	}
	return opts, nil
}

// Module returns the module described by the unit block.
func (u *Unit) Module() (bigpipe.Module, error) {
	switch u.Kind {
	case "scale":
		if u.Factor == nil {
			return nil, errors.E(errors.Invalid, "scale: missing factor")
		}
		return bigpipe.NewScale(*u.Factor), nil
	case "shift":
		if u.Bias == nil {
			return nil, errors.E(errors.Invalid, "shift: missing bias")
		}
		var bias float64
		if err := fromCty(*u.Bias, cty.Number, &bias); err != nil {
			return nil, errors.E("shift: bias", err)
		}
		return bigpipe.NewShift(bias), nil
	case "linear":
		if u.Weight == nil || u.Bias == nil {
			return nil, errors.E(errors.Invalid, "linear: weight and bias are required")
		}
		var weight, bias [][]float64
		ty := cty.List(cty.List(cty.Number))
		if err := fromCty(*u.Weight, ty, &weight); err != nil {
			return nil, errors.E("linear: weight", err)
		}
		if err := fromCty(*u.Bias, ty, &bias); err != nil {
			return nil, errors.E("linear: bias", err)
		}
		w, err := matrix(weight)
		if err != nil {
			return nil, errors.E("linear: weight", err)
		}
		b, err := matrix(bias)
		if err != nil {
			return nil, errors.E("linear: bias", err)
		}
		if b.Rows != 1 || b.Cols != w.Cols {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("linear: bias must be a 1-by-%d row", w.Cols))
		}
		return bigpipe.NewLinear(w, b), nil
	case "relu":
		return bigpipe.ReLU{}, nil
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown unit kind %q", u.Kind))
	}
}

// fromCty converts v to type ty and stores it in the Go value
// pointed to by p.
func fromCty(v cty.Value, ty cty.Type, p interface{}) error {
	if v.IsNull() {
		return errors.E(errors.Invalid, "null value")
	}
	v, err := convert.Convert(v, ty)
	if err != nil {
		return errors.E(errors.Invalid, err)
	}
	if err := gocty.FromCtyValue(v, p); err != nil {
		return errors.E(errors.Invalid, err)
	}
	return nil
}

func matrix(rows [][]float64) (*tensor.Tensor, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.E(errors.Invalid, "empty matrix")
	}
	for i, row := range rows {
		if len(row) != len(rows[0]) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("row %d has %d columns, want %d", i, len(row), len(rows[0])))
		}
	}
	return tensor.FromRows(rows...), nil
}
