// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ranges tracks the byte intervals of a sparse file as a sorted map
// from interval start to interval end.
//
// Intervals are half open, [start,end). Adding an interval that touches,
// overlaps, or lies within Tolerance bytes of an existing one merges them, so
// that only holes of at least Tolerance bytes are preserved.
package ranges

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"
)

type Interval struct {
	Start uint64
	End   uint64
}

type Tree struct {
	tolerance uint64
	llrb      sortedmap.LLRBTree
}

type dumpCallbacks struct{}

func (dumpCallbacks) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("0x%016X", key.(uint64))
	return
}

func (dumpCallbacks) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("0x%016X", value.(uint64))
	return
}

// New returns an empty Tree merging across holes smaller than tolerance.
func New(tolerance uint64) *Tree {
	return &Tree{
		tolerance: tolerance,
		llrb:      sortedmap.NewLLRBTree(sortedmap.CompareUint64, dumpCallbacks{}),
	}
}

func (tree *Tree) Tolerance() uint64 {
	return tree.tolerance
}

// Add merges [from,to) into tree. An empty interval is ignored unless it
// starts a new interval exactly at an existing start.
func (tree *Tree) Add(from uint64, to uint64) (err error) {
	var (
		end   uint64
		found bool
		index int
		key   sortedmap.Key
		ok    bool
		start uint64
		value sortedmap.Value
	)

	if to < from {
		err = fmt.Errorf("ranges: invalid interval [%d,%d)", from, to)
		return
	}

	index, found, err = tree.llrb.BisectLeft(from)
	if nil != err {
		return
	}

	if 0 <= index {
		key, value, ok, err = tree.llrb.GetByIndex(index)
		if nil != err {
			return
		}
		if !ok {
			err = fmt.Errorf("ranges: GetByIndex(%d) returned !ok", index)
			return
		}
		start = key.(uint64)
		end = value.(uint64)

		if found || (from <= end+tree.tolerance) {
			if to <= end {
				err = nil
				return
			}
			_, err = tree.llrb.PatchByIndex(index, to)
			if nil != err {
				return
			}
			err = tree.absorbSuccessors(index, start, to)
			return
		}
	}

	if from == to {
		err = nil
		return
	}

	_, err = tree.llrb.Put(from, to)
	if nil != err {
		return
	}

	err = tree.absorbSuccessors(index+1, from, to)
	return
}

// absorbSuccessors folds every interval after the one at index that now lies
// within tolerance of [start,end) into it.
func (tree *Tree) absorbSuccessors(index int, start uint64, end uint64) (err error) {
	var (
		key       sortedmap.Key
		nextEnd   uint64
		nextStart uint64
		ok        bool
		value     sortedmap.Value
	)

	for {
		key, value, ok, err = tree.llrb.GetByIndex(index + 1)
		if nil != err {
			return
		}
		if !ok {
			break
		}
		nextStart = key.(uint64)
		nextEnd = value.(uint64)
		if nextStart > end+tree.tolerance {
			break
		}
		_, err = tree.llrb.DeleteByIndex(index + 1)
		if nil != err {
			return
		}
		if nextEnd > end {
			end = nextEnd
			_, err = tree.llrb.PatchByKey(start, end)
			if nil != err {
				return
			}
		}
	}

	err = nil
	return
}

// Get returns the end of the interval starting exactly at start.
func (tree *Tree) Get(start uint64) (end uint64, ok bool, err error) {
	var (
		value sortedmap.Value
	)

	value, ok, err = tree.llrb.GetByKey(start)
	if (nil != err) || !ok {
		return
	}

	end = value.(uint64)
	return
}

// Covers reports whether [from,to) lies entirely within one interval.
func (tree *Tree) Covers(from uint64, to uint64) (covered bool, err error) {
	var (
		index int
		ok    bool
		value sortedmap.Value
	)

	index, _, err = tree.llrb.BisectLeft(from)
	if (nil != err) || (0 > index) {
		return
	}

	_, value, ok, err = tree.llrb.GetByIndex(index)
	if (nil != err) || !ok {
		return
	}

	covered = (to <= value.(uint64))
	return
}

func (tree *Tree) Len() (numIntervals int, err error) {
	numIntervals, err = tree.llrb.Len()
	return
}

// Intervals returns every interval in ascending order.
func (tree *Tree) Intervals() (intervals []Interval, err error) {
	var (
		index        int
		key          sortedmap.Key
		numIntervals int
		value        sortedmap.Value
	)

	numIntervals, err = tree.llrb.Len()
	if nil != err {
		return
	}

	intervals = make([]Interval, 0, numIntervals)

	for index = 0; index < numIntervals; index++ {
		key, value, _, err = tree.llrb.GetByIndex(index)
		if nil != err {
			return
		}
		intervals = append(intervals, Interval{Start: key.(uint64), End: value.(uint64)})
	}

	err = nil
	return
}
