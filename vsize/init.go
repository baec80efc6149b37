// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package vsize

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/btree"

	"github.com/NVIDIA/ioreplay/ranges"
)

// InitRecord describes one thing the init stage must materialize: a
// directory, or a byte range of a file.
type InitRecord struct {
	IsDir  bool
	IsFile bool
	Start  uint64
	Length uint64
	Path   string
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// String renders r as an INIT section line (without the trailing newline).
func (r *InitRecord) String() string {
	return fmt.Sprintf("%s|%s|%d|%d|%s|", boolField(r.IsDir), boolField(r.IsFile), r.Start, r.Length, r.Path)
}

// ParseInitRecord is the inverse of InitRecord.String.
func ParseInitRecord(line string) (record *InitRecord, err error) {
	var (
		fields []string
	)

	fields = strings.SplitN(strings.TrimRight(line, "\n"), "|", 6)
	if (6 != len(fields)) || ("" != fields[5]) {
		err = fmt.Errorf("malformed INIT record %q", line)
		return
	}

	record = &InitRecord{
		IsDir:  ("1" == fields[0]),
		IsFile: ("1" == fields[1]),
		Path:   fields[4],
	}

	record.Start, err = strconv.ParseUint(fields[2], 10, 64)
	if nil != err {
		err = fmt.Errorf("malformed INIT record start in %q: %v", line, err)
		return
	}
	record.Length, err = strconv.ParseUint(fields[3], 10, 64)
	if nil != err {
		err = fmt.Errorf("malformed INIT record length in %q: %v", line, err)
		return
	}
	if "" == record.Path {
		err = fmt.Errorf("INIT record without path %q", line)
		return
	}

	err = nil
	return
}

// InitRecords returns the records for v: nothing unless v is required, a
// single zero-length record for a directory, a single [0,size) record for a
// scalar-sized file, and one record per non-empty interval for a sparse file.
func (v *VirtualSize) InitRecords() (records []InitRecord, err error) {
	var (
		intervals []ranges.Interval
	)

	if !v.Required || ("" == v.Path) {
		return
	}

	if v.IsDir {
		records = []InitRecord{{IsDir: true, Path: v.Path}}
		return
	}

	intervals, err = v.reads.intervals()
	if nil != err {
		return
	}

	for _, interval := range intervals {
		if v.reads.sparse() && (interval.End == interval.Start) {
			continue
		}
		records = append(records, InitRecord{
			IsFile: v.IsFile,
			Start:  interval.Start,
			Length: interval.End - interval.Start,
			Path:   v.Path,
		})
	}

	err = nil
	return
}

// WriteInit writes the INIT records of every required path to w, parents
// before their children.
func (tracker *Tracker) WriteInit(w io.Writer) (numRecords uint64, err error) {
	var (
		bw      = bufio.NewWriter(w)
		records []InitRecord
	)

	tracker.order.Ascend(func(item btree.Item) bool {
		records, err = item.(*VirtualSize).InitRecords()
		if nil != err {
			return false
		}
		for i := range records {
			_, err = bw.WriteString(records[i].String() + "\n")
			if nil != err {
				return false
			}
			numRecords++
		}
		return true
	})
	if nil != err {
		return
	}

	err = bw.Flush()
	return
}
