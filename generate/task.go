// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package generate

import (
	"github.com/NVIDIA/ioreplay/opcode"
)

// task carries one capture line from the reader through the parser to the
// writer. Tasks are recycled; reset must clear every field.
type task struct {
	line   string
	lineNo uint64

	comment bool
	err     error // why the line was filtered; nil if it was not

	pid    int64
	tid    int64
	op     opcode.Code
	hasOp  bool
	time   int64
	path   string
	path2  string
	fd     int64
	hasFD  bool
	fdKey  string // "pid:fd"
	bytes  int64
	count  int64
	flags  int64
	mode   int64
	offset int64
	whence int64
	status int64
	fcntlF int64
	fcntlG int64

	address  int64
	address2 int64
}

func (t *task) reset(line string, lineNo uint64) {
	*t = task{
		line:   line,
		lineNo: lineNo,
		pid:    -1,
		tid:    -1,
		time:   -1,
		fd:     -1,
		bytes:  -1,
		count:  -1,
		flags:  -1,
		mode:   -1,
		offset: -1,
		whence: -1,
		status: -1,
		fcntlF: -1,
		fcntlG: -1,
	}
}

func nonNegative(i64 int64) uint64 {
	if 0 > i64 {
		return 0
	}
	return uint64(i64)
}
