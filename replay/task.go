// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"strconv"
	"strings"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/opcode"
)

// task is one body record on its way from the dispatcher to a thread.
//
//   time|vsize_id|vpid|vtid|vfd|opcode|operands...|@lineno|
type task struct {
	time     int64 // ms since the first traced event
	vsizeID  uint64
	vpid     uint64
	vtid     uint64
	vfd      uint64
	op       opcode.Code
	operands []string
	lineNo   uint64 // of the capture file
	process  *vprocess
}

func (t *task) reset() {
	t.time = 0
	t.vsizeID = 0
	t.vpid = 0
	t.vtid = 0
	t.vfd = 0
	t.op = 0
	t.operands = t.operands[:0]
	t.lineNo = 0
	t.process = nil
}

// parse fills t from line, a body record without its newline.
func (t *task) parse(line string) (err error) {
	var (
		fields []string
		u64    uint64
	)

	fields = strings.Split(line, "|")
	// six fixed columns, "@lineno" and the empty string after the last '|'
	if (8 > len(fields)) || ("" != fields[len(fields)-1]) {
		err = blunder.NewError(blunder.FatalError, "malformed record %q", line)
		return
	}

	t.time, err = strconv.ParseInt(fields[0], 10, 64)
	if nil == err {
		t.vsizeID, err = strconv.ParseUint(fields[1], 10, 64)
	}
	if nil == err {
		t.vpid, err = strconv.ParseUint(fields[2], 10, 64)
	}
	if nil == err {
		t.vtid, err = strconv.ParseUint(fields[3], 10, 64)
	}
	if nil == err {
		t.vfd, err = strconv.ParseUint(fields[4], 10, 64)
	}
	if nil == err {
		u64, err = strconv.ParseUint(fields[5], 10, 32)
		t.op = opcode.Code(u64)
	}
	if (nil == err) && !opcode.Valid(t.op) {
		err = blunder.NewError(blunder.FatalError, "unknown opcode %d in record %q", u64, line)
		return
	}
	if nil != err {
		err = blunder.NewError(blunder.FatalError, "malformed record %q: %v", line, err)
		return
	}

	lineNo := fields[len(fields)-2]
	if !strings.HasPrefix(lineNo, "@") {
		err = blunder.NewError(blunder.FatalError, "record %q lacks its line number", line)
		return
	}
	t.lineNo, err = strconv.ParseUint(lineNo[1:], 10, 64)
	if nil != err {
		err = blunder.NewError(blunder.FatalError, "malformed record %q: %v", line, err)
		return
	}

	t.operands = append(t.operands[:0], fields[6:len(fields)-2]...)

	err = nil
	return
}

func (t *task) operand(i int) (s string, err error) {
	if i >= len(t.operands) {
		err = blunder.NewError(blunder.FatalError, "line %d: %v record lacks operand %d", t.lineNo, t.op, i)
		return
	}
	s = t.operands[i]
	return
}

func (t *task) intOperand(i int) (i64 int64, err error) {
	s, err := t.operand(i)
	if nil != err {
		return
	}
	i64, err = strconv.ParseInt(s, 10, 64)
	if nil != err {
		err = blunder.NewError(blunder.FatalError, "line %d: %v operand %d: %v", t.lineNo, t.op, i, err)
	}
	return
}
