// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package generate

import (
	"bufio"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/chainedmap"
	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/opcode"
	"github.com/NVIDIA/ioreplay/utils"
	"github.com/NVIDIA/ioreplay/vsize"
)

var (
	errNoPath      = blunder.NewError(blunder.FilteredError, "operation needs a path")
	errNoFD        = blunder.NewError(blunder.FilteredError, "operation needs a file descriptor")
	errUnknownFD   = blunder.NewError(blunder.FilteredError, "file descriptor was never opened")
	errOpenArgs    = blunder.NewError(blunder.FilteredError, "open needs a descriptor, a path and flags")
	errFcntl       = blunder.NewError(blunder.FilteredError, "fcntl command not replayed")
	errUnsupported = blunder.NewError(blunder.FilteredError, "operation not replayed")
)

// vfd is an open file descriptor of a traced process.
type vfd struct {
	id     uint64 // virtual fd; unique for the whole trace
	v      *vsize.VirtualSize
	offset uint64
}

// writer is owned by the writer goroutine.
type writer struct {
	out     *bufio.Writer
	tracker *vsize.Tracker
	graph   *depGraph // nil unless dependencies are checked

	fds  *chainedmap.StringMap // "pid:fd" -> *vfd
	pids *chainedmap.IntMap    // real pid -> virtual pid
	tids *chainedmap.IntMap    // real tid -> virtual tid

	pidSeq utils.Sequence
	tidSeq utils.Sequence
	fdSeq  utils.Sequence

	vpid uint64 // of the task being handled
	vtid uint64

	rec   []byte
	stats *Stats
}

func newWriter(out *bufio.Writer, tracker *vsize.Tracker, checkDependencies bool, stats *Stats) (w *writer) {
	w = &writer{
		out:     out,
		tracker: tracker,
		fds:     chainedmap.NewStringMap(chainedmap.Config{Size: 1 << 14}),
		pids:    chainedmap.NewIntMap(chainedmap.Config{Size: 1 << 12}),
		tids:    chainedmap.NewIntMap(chainedmap.Config{Size: 1 << 14}),
		rec:     make([]byte, 0, 512),
		stats:   stats,
	}
	if checkDependencies {
		w.graph = newDepGraph(1 << 16)
	}
	return
}

func (w *writer) virtualID(ids *chainedmap.IntMap, seq *utils.Sequence, real int64) uint64 {
	value, ok := ids.Get(uint64(real))
	if ok {
		return value.(uint64)
	}
	id := seq.Next()
	ids.Insert(uint64(real), id)
	return id
}

// handle appends the records for t. A FilteredError drops the line; any other
// error ends the run.
func (w *writer) handle(t *task) (err error) {
	w.vpid = w.virtualID(w.pids, &w.pidSeq, t.pid)
	w.vtid = w.virtualID(w.tids, &w.tidSeq, t.tid)

	switch t.op {
	case opcode.Open, opcode.OpenAt, opcode.Creat:
		err = w.open(t)
	case opcode.Close:
		err = w.close(t)
	case opcode.Stat, opcode.Lstat, opcode.FstatAt, opcode.Statfs, opcode.Statfs64, opcode.Readlink, opcode.ReadlinkAt:
		err = w.pathStat(t)
	case opcode.Fstat, opcode.Fstatfs, opcode.Fstatfs64, opcode.Fsync, opcode.Fdatasync, opcode.Syncfs:
		err = w.fdStatus(t)
	case opcode.Rename, opcode.RenameAt, opcode.RenameAt2:
		err = w.rename(t)
	case opcode.Read, opcode.Readv, opcode.Write, opcode.Writev:
		err = w.readWrite(t)
	case opcode.Readahead:
		err = w.readahead(t)
	case opcode.Readdir, opcode.Getdents:
		err = w.getdents(t)
	case opcode.Lseek, opcode.Llseek:
		err = w.lseek(t)
	case opcode.Mkdir, opcode.MkdirAt, opcode.Chmod, opcode.FchmodAt:
		err = w.pathMode(t)
	case opcode.Rmdir, opcode.Unlink, opcode.UnlinkAt:
		err = w.remove(t)
	case opcode.Sync:
		w.begin(t, 0, 0)
		w.appendInt(t.status)
		err = w.end(t, "/", 0)
	case opcode.SyncFileRange:
		err = w.syncFileRange(t)
	case opcode.Fcntl:
		err = w.fcntl(t)
	case opcode.Fchmod:
		err = w.fchmod(t)
	case opcode.Chown, opcode.Chown16, opcode.Lchown, opcode.Lchown16, opcode.FchownAt:
		err = w.chown(t)
	case opcode.Fchown, opcode.Fchown16:
		err = w.fchown(t)
	case opcode.MetaExitGroup:
		err = w.exitGroup(t)
	case opcode.Mmap2, opcode.Munmap, opcode.Mremap, opcode.Msync:
		// memory mapped I/O is not replayed
		err = nil
	default:
		err = errUnsupported
	}

	return
}

// begin starts a record: time|vsize_id|vpid|vtid|vfd|opcode|
func (w *writer) begin(t *task, pathID uint64, fdID uint64) {
	w.beginOp(t, pathID, fdID, t.op)
}

func (w *writer) beginOp(t *task, pathID uint64, fdID uint64, op opcode.Code) {
	w.rec = w.rec[:0]
	w.appendInt(t.time)
	w.appendUint(pathID)
	w.appendUint(w.vpid)
	w.appendUint(w.vtid)
	w.appendUint(fdID)
	w.appendUint(uint64(op))
}

func (w *writer) appendInt(i64 int64) {
	w.rec = strconv.AppendInt(w.rec, i64, 10)
	w.rec = append(w.rec, '|')
}

func (w *writer) appendUint(u64 uint64) {
	w.rec = strconv.AppendUint(w.rec, u64, 10)
	w.rec = append(w.rec, '|')
}

func (w *writer) appendString(s string) {
	w.rec = append(w.rec, s...)
	w.rec = append(w.rec, '|')
}

// end terminates the record with @lineno| and writes it out. p is the path
// the record depends on.
func (w *writer) end(t *task, p string, pathID uint64) (err error) {
	w.rec = append(w.rec, '@')
	w.appendUint(t.lineNo)
	w.rec = append(w.rec, '\n')

	_, err = w.out.Write(w.rec)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	w.stats.Records++
	if nil != w.graph {
		w.graph.insert(p, w.stats.Records, pathID)
	}

	return
}

func (w *writer) fdOf(t *task) (fd *vfd, err error) {
	if !t.hasFD {
		err = errNoFD
		return
	}
	value, ok := w.fds.Get(t.fdKey)
	if !ok {
		err = errUnknownFD
		return
	}
	fd = value.(*vfd)
	return
}

func (w *writer) pathOf(t *task) (v *vsize.VirtualSize, err error) {
	if "" == t.path {
		err = errNoPath
		return
	}
	v = w.tracker.Get(t.path)
	return
}

func internal(err error) error {
	if nil == err {
		return nil
	}
	return blunder.AddError(err, blunder.FatalError)
}

func (w *writer) open(t *task) (err error) {
	var (
		flags = t.flags
	)

	if opcode.Creat == t.op {
		if -1 == flags {
			flags = 0
		}
		flags |= unix.O_CREAT | unix.O_WRONLY | unix.O_TRUNC
	}
	if !t.hasFD || ("" == t.path) || (-1 == flags) {
		err = errOpenArgs
		return
	}

	v := w.tracker.Get(t.path)
	w.tracker.Open(v, int(flags))

	fd := &vfd{id: w.fdSeq.Next(), v: v}

	previous, replaced := w.fds.Replace(t.fdKey, fd)
	if replaced {
		// the tracer missed a close
		old := previous.(*vfd)
		w.stats.InjectedClose++
		injected := blunder.NewError(blunder.InjectedError, "line %d: %s reopened without close", t.lineNo, t.fdKey)
		logger.Debugf("%s, injecting a close", blunder.ErrorString(injected))
		err = w.closeRecord(t, old, "injected close")
		if nil != err {
			return
		}
	}

	w.begin(t, v.ID, fd.id)
	w.appendString(v.Path)
	w.appendInt(t.mode)
	w.appendInt(flags)
	err = w.end(t, v.Path, v.ID)
	return
}

func (w *writer) closeRecord(t *task, fd *vfd, reason string) (err error) {
	w.tracker.Close(fd.v)
	w.beginOp(t, fd.v.ID, fd.id, opcode.Close)
	w.appendString(reason)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}

func (w *writer) close(t *task) (err error) {
	if !t.hasFD {
		err = errNoFD
		return
	}
	value, ok := w.fds.Remove(t.fdKey)
	if !ok {
		err = errUnknownFD
		return
	}
	err = w.closeRecord(t, value.(*vfd), "close")
	return
}

func (w *writer) exitGroup(t *task) (err error) {
	var (
		closed []*vfd
		prefix = strconv.FormatInt(t.pid, 10) + ":"
	)

	w.fds.RemoveMatchingPrefix(prefix, func(key string, value interface{}) {
		closed = append(closed, value.(*vfd))
	})
	sort.Slice(closed, func(i, j int) bool { return closed[i].id < closed[j].id })

	for _, fd := range closed {
		err = w.closeRecord(t, fd, "exit_group")
		if nil != err {
			return
		}
	}

	w.beginOp(t, 0, 0, opcode.MetaExitGroup)
	err = w.end(t, "/", 0)

	// a reused pid is a new process
	w.pids.Remove(uint64(t.pid))

	return
}

func (w *writer) pathStat(t *task) (err error) {
	v, err := w.pathOf(t)
	if nil != err {
		return
	}
	w.tracker.Stat(v)

	w.begin(t, v.ID, 0)
	w.appendString(v.Path)
	w.appendInt(t.status)
	err = w.end(t, v.Path, v.ID)
	return
}

func (w *writer) fdStatus(t *task) (err error) {
	fd, err := w.fdOf(t)
	if nil != err {
		return
	}
	w.tracker.Stat(fd.v)

	w.begin(t, fd.v.ID, fd.id)
	w.appendInt(t.status)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}

func (w *writer) rename(t *task) (err error) {
	if ("" == t.path) || ("" == t.path2) {
		err = errNoPath
		return
	}
	v := w.tracker.Get(t.path)
	v2 := w.tracker.Get(t.path2)
	w.tracker.Rename(v, v2)

	w.begin(t, v.ID, 0)
	w.appendString(v.Path)
	w.appendString(v2.Path)
	err = w.end(t, v.Path, v.ID)
	if (nil == err) && (nil != w.graph) {
		w.graph.insert(v2.Path, w.stats.Records, v.ID)
	}
	return
}

func (w *writer) readWrite(t *task) (err error) {
	fd, err := w.fdOf(t)
	if nil != err {
		return
	}

	bytes := nonNegative(t.bytes)
	if (opcode.Read == t.op) || (opcode.Readv == t.op) {
		err = internal(w.tracker.Read(fd.v, fd.offset, bytes))
	} else {
		err = internal(w.tracker.Write(fd.v, fd.offset, bytes))
	}
	if nil != err {
		return
	}
	fd.offset += bytes

	w.begin(t, fd.v.ID, fd.id)
	w.appendUint(bytes)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}

func (w *writer) readahead(t *task) (err error) {
	fd, err := w.fdOf(t)
	if nil != err {
		return
	}
	w.tracker.Seek(fd.v)

	w.begin(t, fd.v.ID, fd.id)
	w.appendInt(t.offset)
	w.appendInt(t.count)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}

func (w *writer) getdents(t *task) (err error) {
	fd, err := w.fdOf(t)
	if nil != err {
		return
	}
	// only directories can be listed
	w.tracker.Open(fd.v, unix.O_DIRECTORY)

	w.begin(t, fd.v.ID, fd.id)
	w.appendInt(t.count)
	w.appendInt(t.bytes)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}

func (w *writer) lseek(t *task) (err error) {
	fd, err := w.fdOf(t)
	if nil != err {
		return
	}

	switch {
	case 0 <= t.bytes:
		fd.offset = uint64(t.bytes)
	case unix.SEEK_SET == t.whence:
		fd.offset = nonNegative(t.offset)
	case unix.SEEK_CUR == t.whence:
		fd.offset = nonNegative(int64(fd.offset) + t.offset)
	default:
		// SEEK_END without a recorded result leaves the cursor unknown
	}
	w.tracker.Seek(fd.v)

	w.begin(t, fd.v.ID, fd.id)
	w.appendInt(t.offset)
	w.appendInt(t.whence)
	w.appendInt(t.bytes)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}

func (w *writer) pathMode(t *task) (err error) {
	v, err := w.pathOf(t)
	if nil != err {
		return
	}
	if (opcode.Mkdir == t.op) || (opcode.MkdirAt == t.op) {
		w.tracker.Mkdir(v)
	} else {
		w.tracker.Stat(v)
	}

	w.begin(t, v.ID, 0)
	w.appendString(v.Path)
	w.appendInt(t.mode)
	w.appendInt(t.status)
	err = w.end(t, v.Path, v.ID)
	return
}

func (w *writer) remove(t *task) (err error) {
	v, err := w.pathOf(t)
	if nil != err {
		return
	}
	if opcode.Rmdir == t.op {
		w.tracker.Rmdir(v)
	} else {
		w.tracker.Unlink(v)
	}

	w.begin(t, v.ID, 0)
	w.appendString(v.Path)
	w.appendInt(t.status)
	err = w.end(t, v.Path, v.ID)
	return
}

func (w *writer) syncFileRange(t *task) (err error) {
	fd, err := w.fdOf(t)
	if nil != err {
		return
	}

	w.begin(t, fd.v.ID, fd.id)
	w.appendInt(t.offset)
	w.appendInt(t.bytes)
	w.appendInt(t.status)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}

func (w *writer) fcntl(t *task) (err error) {
	fd, err := w.fdOf(t)
	if nil != err {
		return
	}

	switch t.fcntlF {
	case unix.F_GETFD, unix.F_GETFL, unix.F_SETFD, unix.F_SETFL:
	default:
		err = errFcntl
		return
	}

	w.begin(t, fd.v.ID, fd.id)
	w.appendInt(t.fcntlF)
	w.appendInt(t.fcntlG)
	w.appendInt(t.status)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}

func (w *writer) fchmod(t *task) (err error) {
	fd, err := w.fdOf(t)
	if nil != err {
		return
	}

	w.begin(t, fd.v.ID, fd.id)
	w.appendInt(t.mode)
	w.appendInt(t.status)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}

// The tracer records chown's uid under the offset key and its gid under G.
func (w *writer) chown(t *task) (err error) {
	v, err := w.pathOf(t)
	if nil != err {
		return
	}
	w.tracker.Stat(v)

	w.begin(t, v.ID, 0)
	w.appendString(v.Path)
	w.appendInt(t.offset)
	w.appendInt(t.fcntlG)
	w.appendInt(t.status)
	err = w.end(t, v.Path, v.ID)
	return
}

func (w *writer) fchown(t *task) (err error) {
	fd, err := w.fdOf(t)
	if nil != err {
		return
	}

	w.begin(t, fd.v.ID, fd.id)
	w.appendInt(t.offset)
	w.appendInt(t.fcntlG)
	w.appendInt(t.status)
	err = w.end(t, fd.v.Path, fd.v.ID)
	return
}
