// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package vsize

import (
	"github.com/NVIDIA/ioreplay/ranges"
)

// extent is a high-water mark until the first hole of at least tolerance
// bytes shows up, after which it is a ranges.Tree seeded with [0,bytes).
type extent struct {
	tolerance uint64
	bytes     uint64
	tree      *ranges.Tree
}

func (e *extent) ensure(offset uint64, bytes uint64) (err error) {
	if nil != e.tree {
		err = e.tree.Add(offset, offset+bytes)
		return
	}

	if offset <= e.bytes+e.tolerance {
		if offset+bytes > e.bytes {
			e.bytes = offset + bytes
		}
		err = nil
		return
	}

	e.tree = ranges.New(e.tolerance)
	if 0 < e.bytes {
		err = e.tree.Add(0, e.bytes)
		if nil != err {
			return
		}
	}
	e.bytes = 0

	err = e.tree.Add(offset, offset+bytes)
	return
}

func (e *extent) covers(from uint64, to uint64) (covered bool, err error) {
	if nil != e.tree {
		covered, err = e.tree.Covers(from, to)
		return
	}

	covered = (to <= e.bytes)
	err = nil
	return
}

func (e *extent) sparse() bool {
	return nil != e.tree
}

// intervals returns the extent as one or more intervals. A scalar extent is
// always a single [0,bytes) interval, possibly empty.
func (e *extent) intervals() (intervals []ranges.Interval, err error) {
	if nil == e.tree {
		intervals = []ranges.Interval{{Start: 0, End: e.bytes}}
		err = nil
		return
	}

	intervals, err = e.tree.Intervals()
	return
}
