// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor contains the values that flow through a bigpipe
// pipeline. A Tensor is a dense, row-major matrix of float64 values
// bound to a Device. The leading dimension (rows) is the batch
// dimension: batches are split into micro-batches and concatenated
// back along it.
package tensor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// A Tensor is a rows-by-cols matrix of float64 values stored in
// row-major order. Tensors are gob-encodable so that they may be
// shipped between machines.
type Tensor struct {
	// Rows and Cols give the tensor's shape.
	Rows, Cols int
	// Data holds Rows*Cols values in row-major order.
	Data []float64
	// Device is the device on which the tensor resides.
	Device Device
}

// New returns a zero-valued tensor of the given shape on the host.
func New(rows, cols int) *Tensor {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("tensor.New: invalid shape %dx%d", rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols), Device: Host}
}

// FromRows constructs a host tensor from a list of rows. FromRows
// panics if the rows do not all have the same length.
func FromRows(rows ...[]float64) *Tensor {
	if len(rows) == 0 {
		return New(0, 0)
	}
	t := New(len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != t.Cols {
			panic(fmt.Sprintf("tensor.FromRows: row %d has length %d, previous rows have length %d", i, len(row), t.Cols))
		}
		copy(t.Data[i*t.Cols:], row)
	}
	return t
}

// Column constructs a host column vector (an n-by-1 tensor) from
// the provided values: each value is a row.
func Column(vals ...float64) *Tensor {
	t := New(len(vals), 1)
	copy(t.Data, vals)
	return t
}

// Scalar returns a 1-by-1 host tensor holding v.
func Scalar(v float64) *Tensor {
	return Column(v)
}

// Len returns the size of the tensor's leading dimension.
func (t *Tensor) Len() int {
	if t == nil {
		return 0
	}
	return t.Rows
}

// Row returns row i of the tensor. The returned slice shares storage
// with the tensor.
func (t *Tensor) Row(i int) []float64 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

// At returns the value at row i, column j.
func (t *Tensor) At(i, j int) float64 {
	return t.Data[i*t.Cols+j]
}

// Slice returns the rows i to j of the tensor, analagous to Go's
// native slice operation. The returned tensor shares storage with t.
func (t *Tensor) Slice(i, j int) *Tensor {
	if i < 0 || j < i || j > t.Rows {
		panic(fmt.Sprintf("tensor.Slice: [%d:%d] out of range for %d rows", i, j, t.Rows))
	}
	return &Tensor{
		Rows:   j - i,
		Cols:   t.Cols,
		Data:   t.Data[i*t.Cols : j*t.Cols : j*t.Cols],
		Device: t.Device,
	}
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	u := *t
	u.Data = make([]float64, len(t.Data))
	copy(u.Data, t.Data)
	return &u
}

// To returns a copy of t bound to device d. To does not validate d;
// relocation policy is the responsibility of a device.Placer.
func (t *Tensor) To(d Device) *Tensor {
	u := t.Clone()
	u.Device = d
	return u
}

// Apply returns a new tensor, on the same device as t, whose values
// are fn applied to each of t's values.
func (t *Tensor) Apply(fn func(float64) float64) *Tensor {
	u := &Tensor{Rows: t.Rows, Cols: t.Cols, Data: make([]float64, len(t.Data)), Device: t.Device}
	for i, v := range t.Data {
		u.Data[i] = fn(v)
	}
	return u
}

// MatMul returns the matrix product a*b, on a's device. MatMul
// returns an error of kind errors.Invalid if the shapes are
// incompatible.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Cols != b.Rows {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor.MatMul: shape mismatch %s x %s", a.shape(), b.shape()))
	}
	c := &Tensor{Rows: a.Rows, Cols: b.Cols, Data: make([]float64, a.Rows*b.Cols), Device: a.Device}
	for i := 0; i < a.Rows; i++ {
		for k := 0; k < a.Cols; k++ {
			aik := a.Data[i*a.Cols+k]
			if aik == 0 {
				continue
			}
			for j := 0; j < b.Cols; j++ {
				c.Data[i*c.Cols+j] += aik * b.Data[k*b.Cols+j]
			}
		}
	}
	return c, nil
}

// AddRow adds the 1-by-cols tensor r to every row of t, returning a
// new tensor.
func AddRow(t, r *Tensor) (*Tensor, error) {
	if r.Rows != 1 || r.Cols != t.Cols {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor.AddRow: cannot broadcast %s to %s", r.shape(), t.shape()))
	}
	u := t.Clone()
	for i := 0; i < u.Rows; i++ {
		row := u.Row(i)
		for j := range row {
			row[j] += r.Data[j]
		}
	}
	return u, nil
}

// Split splits t along its leading dimension into an ordered list of
// tensors of size rows each; the last tensor may be smaller. A tensor
// with no rows is split into a single empty tensor. The returned
// tensors share storage with t. Split panics if size < 1.
func Split(t *Tensor, size int) []*Tensor {
	if size < 1 {
		panic(fmt.Sprintf("tensor.Split: invalid size %d", size))
	}
	if t.Rows == 0 {
		return []*Tensor{t.Slice(0, 0)}
	}
	parts := make([]*Tensor, 0, (t.Rows+size-1)/size)
	for i := 0; i < t.Rows; i += size {
		j := i + size
		if j > t.Rows {
			j = t.Rows
		}
		parts = append(parts, t.Slice(i, j))
	}
	return parts
}

// Concat concatenates the provided tensors along the leading
// dimension, in order. All tensors must have the same number of
// columns and reside on the same device. Concat(Split(t, n)) is
// equal to t for any n >= 1.
func Concat(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.E(errors.Invalid, "tensor.Concat: no tensors")
	}
	var (
		cols = ts[0].Cols
		dev  = ts[0].Device
		rows int
	)
	for i, t := range ts {
		if t.Cols != cols {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor.Concat: tensor %d has %d columns, expected %d", i, t.Cols, cols))
		}
		if t.Device != dev {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor.Concat: tensor %d is on %s, expected %s", i, t.Device, dev))
		}
		rows += t.Rows
	}
	out := &Tensor{Rows: rows, Cols: cols, Data: make([]float64, 0, rows*cols), Device: dev}
	for _, t := range ts {
		out.Data = append(out.Data, t.Data...)
	}
	return out, nil
}

// Equal tells whether tensors a and b have the same shape and
// values. Devices are not compared.
func Equal(a, b *Tensor) bool {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// Checksum returns a hash of the tensor's shape and values. Tensors
// that are Equal have equal checksums.
func Checksum(t *Tensor) uint32 {
	h := murmur3.New32()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(t.Rows))
	h.Write(b[:])
	binary.LittleEndian.PutUint64(b[:], uint64(t.Cols))
	h.Write(b[:])
	for _, v := range t.Data {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		h.Write(b[:])
	}
	return h.Sum32()
}

func (t *Tensor) shape() string {
	return fmt.Sprintf("[%dx%d]", t.Rows, t.Cols)
}

// String returns a descriptive string of the tensor.
func (t *Tensor) String() string {
	if t == nil {
		return "tensor<nil>"
	}
	return fmt.Sprintf("tensor%s@%s", t.shape(), t.Device)
}

// WriteTab writes the tensor in tabular format to the provided
// io.Writer.
func (t *Tensor) WriteTab(w io.Writer) {
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, t.String())
	values := make([]string, t.Cols)
	for i := 0; i < t.Rows; i++ {
		for j, v := range t.Row(i) {
			values[j] = fmt.Sprint(v)
		}
		fmt.Fprintln(&tw, strings.Join(values, "\t"))
	}
	tw.Flush()
}

// TabString returns a string representing the tensor in tabular
// format.
func (t *Tensor) TabString() string {
	var b bytes.Buffer
	t.WriteTab(&b)
	return b.String()
}
