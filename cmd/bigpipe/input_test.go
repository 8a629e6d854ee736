// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/grailbio/bigpipe/tensor"
)

func TestParseBatch(t *testing.T) {
	for _, c := range []struct {
		in   string
		want *tensor.Tensor
	}{
		{"1,2,3,4", tensor.Column(1, 2, 3, 4)},
		{" 1.5 ", tensor.Column(1.5)},
		{"1,2;3,4;5,6", tensor.FromRows([]float64{1, 2}, []float64{3, 4}, []float64{5, 6})},
		{"1;2", tensor.Column(1, 2)},
	} {
		got, err := parseBatch(c.in)
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if !tensor.Equal(got, c.want) {
			t.Errorf("%q: got %s, want %s", c.in, got.TabString(), c.want.TabString())
		}
	}
	for _, in := range []string{"", "1,x", "1,2;3"} {
		if _, err := parseBatch(in); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}
