// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Device names an execution context: the physical place where a
// value lives and where computation over it happens. Devices are
// written as "kind" or "kind:index", for example "cpu", "cuda:0", or
// "mps:1".
type Device string

// Host is the host-accessible device. Values on the host can be
// exchanged with host memory without further relocation.
const Host Device = "cpu"

// kinds enumerates the device kinds understood by Parse.
var kinds = map[string]bool{
	"cpu":  true,
	"cuda": true,
	"mps":  true,
	"xpu":  true,
}

// ParseDevice parses and validates a device name. Malformed names
// return an error of kind errors.Invalid.
func ParseDevice(name string) (Device, error) {
	d := Device(name)
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// MustParseDevice is like ParseDevice but panics on error.
func MustParseDevice(name string) Device {
	d, err := ParseDevice(name)
	if err != nil {
		panic(err)
	}
	return d
}

// Validate returns an error if d is not a well-formed device name.
func (d Device) Validate() error {
	kind, index, hasIndex := d.split()
	if !kinds[kind] {
		return errors.E(errors.Invalid, fmt.Sprintf("device %q: unknown kind %q", string(d), kind))
	}
	if !hasIndex {
		return nil
	}
	if n, err := strconv.Atoi(index); err != nil || n < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("device %q: bad index %q", string(d), index))
	}
	return nil
}

// Kind returns the device's kind, e.g., "cuda" for "cuda:1".
func (d Device) Kind() string {
	kind, _, _ := d.split()
	return kind
}

// Index returns the device's index, or -1 if the device is not
// indexed.
func (d Device) Index() int {
	_, index, ok := d.split()
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(index)
	if err != nil {
		return -1
	}
	return n
}

// IsHost tells whether d is host-accessible.
func (d Device) IsHost() bool {
	return d.Kind() == "cpu"
}

func (d Device) split() (kind, index string, ok bool) {
	s := string(d)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}
