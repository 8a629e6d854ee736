// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/tensor"
)

// parseBatch parses a batch given as rows separated by ';', each a
// list of values separated by ','. A batch with a single row of
// values, e.g. "1,2,3", is instead a column: each value is a row.
func parseBatch(s string) (*tensor.Tensor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.E(errors.Invalid, "empty batch")
	}
	var rows [][]float64
	for i, line := range strings.Split(s, ";") {
		var row []float64
		for _, field := range strings.Split(line, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("row %d", i), err)
			}
			row = append(row, v)
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("row %d has %d values, previous rows have %d", i, len(row), len(rows[0])))
		}
		rows = append(rows, row)
	}
	if len(rows) == 1 {
		return tensor.Column(rows[0]...), nil
	}
	return tensor.FromRows(rows...), nil
}
