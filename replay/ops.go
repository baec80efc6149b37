// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/opcode"
	"github.com/NVIDIA/ioreplay/shm"
)

const (
	createMode = 0777

	// getdents reads at most this much when the record names no size
	defaultDirentBytes = 4096
	maxIOBytes         = 64 * 1024 * 1024
)

// execute runs tk on t and recycles it. Filesystem errors are counted, never
// fatal; a record that cannot be understood stops the worker.
func (w *worker) execute(t *thread, tk *task) {
	var (
		err      error
		executed bool
		start    = time.Now()
	)

	if !w.hasFailed() {
		executed, err = t.runOp(tk)
		if blunder.IsFatal(err) {
			logger.ErrorfWithError(err, "worker(%d): line %d: %v failed", w.index, tk.lineNo, tk.op)
			w.fail(err)
		} else if executed {
			if nil != err {
				logger.Debugf("worker(%d): line %d: %v: %v", w.index, tk.lineNo, tk.op, err)
			}
			w.record.AddOperation(time.Since(start), nil != err)
			atomic.AddUint64(&tk.process.operations, 1)
		}
	}

	w.recycle(tk)
}

// fd returns the real fd behind tk's virtual fd. ok is false if the open that
// created it failed or was never replayed.
func (t *thread) fd(tk *task) (fd int, slot *shm.FdSlot, ok bool, err error) {
	if 0 == tk.vfd {
		return
	}
	slot, err = t.w.table.GetFd(tk.vfd)
	if nil != err {
		return
	}
	if !slot.Open {
		return
	}
	fd = int(slot.RealFd)
	ok = true
	return
}

// runOp performs the operation. executed is false for records that are
// accepted but have nothing to replay.
func (t *thread) runOp(tk *task) (executed bool, err error) {
	switch tk.op {
	case opcode.Open, opcode.OpenAt, opcode.Creat:
		return t.open(tk)
	case opcode.Close:
		return t.close(tk)

	case opcode.Stat, opcode.FstatAt:
		return t.pathOp(tk, func(path string) error {
			var st unix.Stat_t
			return unix.Stat(path, &st)
		})
	case opcode.Lstat:
		return t.pathOp(tk, func(path string) error {
			var st unix.Stat_t
			return unix.Lstat(path, &st)
		})
	case opcode.Fstat:
		return t.fdOp(tk, func(fd int) error {
			var st unix.Stat_t
			return unix.Fstat(fd, &st)
		})
	case opcode.Fsync:
		return t.fdOp(tk, unix.Fsync)
	case opcode.Fdatasync:
		return t.fdOp(tk, unix.Fdatasync)

	case opcode.Read, opcode.Readv:
		return t.read(tk)
	case opcode.Write, opcode.Writev:
		return t.write(tk)
	case opcode.Readdir, opcode.Getdents:
		return t.getdents(tk)
	case opcode.Lseek, opcode.Llseek:
		return t.lseek(tk)

	case opcode.Rename, opcode.RenameAt, opcode.RenameAt2:
		return t.rename(tk)
	case opcode.Mkdir, opcode.MkdirAt:
		return t.pathOp(tk, func(path string) error {
			return unix.Mkdir(path, createMode)
		})
	case opcode.Rmdir:
		return t.pathOp(tk, unix.Rmdir)
	case opcode.Unlink, opcode.UnlinkAt:
		return t.pathOp(tk, unix.Unlink)

	case opcode.Chmod, opcode.FchmodAt:
		return t.pathOp(tk, func(path string) error {
			return unix.Chmod(path, createMode)
		})
	case opcode.Fchmod:
		return t.fdOp(tk, func(fd int) error {
			return unix.Fchmod(fd, createMode)
		})
	case opcode.Chown, opcode.Chown16, opcode.FchownAt:
		return t.pathOp(tk, func(path string) error {
			return unix.Chown(path, t.w.uid, -1)
		})
	case opcode.Lchown, opcode.Lchown16:
		return t.pathOp(tk, func(path string) error {
			return unix.Lchown(path, t.w.uid, -1)
		})
	case opcode.Fchown, opcode.Fchown16:
		return t.fdOp(tk, func(fd int) error {
			return unix.Fchown(fd, t.w.uid, -1)
		})
	case opcode.Fcntl:
		return t.fcntl(tk)

	case opcode.Fstatfs, opcode.Fstatfs64, opcode.Statfs, opcode.Statfs64,
		opcode.Readlink, opcode.ReadlinkAt, opcode.Readahead,
		opcode.Sync, opcode.Syncfs, opcode.SyncFileRange,
		opcode.Mmap2, opcode.Munmap, opcode.Mremap, opcode.Msync,
		opcode.MetaExit, opcode.MetaExitGroup, opcode.MetaTimeline:
		return false, nil
	}

	err = blunder.NewError(blunder.FatalError, "line %d: cannot replay %v", tk.lineNo, tk.op)
	return
}

func (t *thread) pathOp(tk *task, op func(path string) error) (executed bool, err error) {
	path, err := tk.operand(0)
	if nil != err {
		return
	}
	executed = true
	err = op(path)
	return
}

func (t *thread) fdOp(tk *task, op func(fd int) error) (executed bool, err error) {
	fd, _, ok, err := t.fd(tk)
	if !ok || (nil != err) {
		return
	}
	executed = true
	err = op(fd)
	return
}

// open follows the recorded flags with a few changes: the file is opened
// read-write so that later writes work even if the tracer missed an fcntl,
// O_EXCL is dropped since init may have created the file already, and opens
// without a virtual fd are closed right away.
func (t *thread) open(tk *task) (executed bool, err error) {
	var (
		fd    int
		flags int64
		path  string
	)

	path, err = tk.operand(0)
	if nil != err {
		return
	}
	flags, err = tk.intOperand(2)
	if nil != err {
		return
	}

	dir := 0 != (flags & unix.O_DIRECTORY)
	if 0 < tk.vfd {
		if dir {
			flags = unix.O_RDONLY | unix.O_DIRECTORY
		} else {
			flags = (flags &^ unix.O_ACCMODE) | unix.O_RDWR
		}
		flags &^= unix.O_EXCL
	}

	executed = true
	fd, err = unix.Open(path, int(flags)|unix.O_CLOEXEC, createMode)
	if nil != err {
		return
	}

	if 0 == tk.vfd {
		err = unix.Close(fd)
		return
	}

	err = t.w.table.PutFd(tk.vfd, &shm.FdSlot{Open: true, Dir: dir, Worker: int32(t.w.index), RealFd: int32(fd)})
	if nil != err {
		_ = unix.Close(fd)
		err = blunder.AddError(err, blunder.FatalError)
	}
	return
}

func (t *thread) close(tk *task) (executed bool, err error) {
	fd, _, ok, err := t.fd(tk)
	if !ok || (nil != err) {
		return
	}

	executed = true
	err = t.w.table.PutFd(tk.vfd, &shm.FdSlot{})
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	err = unix.Close(fd)
	return
}

func (t *thread) bytesOperand(tk *task, i int) (n int, err error) {
	i64, err := tk.intOperand(i)
	if nil != err {
		return
	}
	if maxIOBytes < i64 {
		i64 = maxIOBytes
	}
	if 0 < i64 {
		n = int(i64)
	}
	return
}

func (t *thread) read(tk *task) (executed bool, err error) {
	n, err := t.bytesOperand(tk, 0)
	if (nil != err) || (0 == n) {
		return
	}
	return t.fdOp(tk, func(fd int) (err error) {
		_, err = unix.Read(fd, t.scratch(n))
		return
	})
}

// fill repeats the decimal line number over buf, so that replayed data can be
// traced back to the capture line that wrote it.
func fill(buf []byte, lineNo uint64) {
	pattern := strconv.AppendUint(nil, lineNo, 10)
	for i := 0; i < len(buf); i += copy(buf[i:], pattern) {
	}
}

func (t *thread) write(tk *task) (executed bool, err error) {
	n, err := t.bytesOperand(tk, 0)
	if (nil != err) || (0 == n) {
		return
	}
	return t.fdOp(tk, func(fd int) (err error) {
		buf := t.scratch(n)
		fill(buf, tk.lineNo)
		_, err = unix.Write(fd, buf)
		return
	})
}

func (t *thread) getdents(tk *task) (executed bool, err error) {
	n, err := t.bytesOperand(tk, 1)
	if nil != err {
		return
	}
	if 0 == n {
		n = defaultDirentBytes
	}
	return t.fdOp(tk, func(fd int) (err error) {
		_, err = unix.Getdents(fd, t.scratch(n))
		return
	})
}

// lseek moves to the recorded result when there is one.
func (t *thread) lseek(tk *task) (executed bool, err error) {
	var (
		offset int64
		result int64
		whence int64
	)

	offset, err = tk.intOperand(0)
	if nil == err {
		whence, err = tk.intOperand(1)
	}
	if nil == err {
		result, err = tk.intOperand(2)
	}
	if nil != err {
		return
	}

	if 0 <= result {
		offset = result
		whence = unix.SEEK_SET
	} else if (unix.SEEK_SET > whence) || (unix.SEEK_END < whence) {
		return
	}

	return t.fdOp(tk, func(fd int) (err error) {
		_, err = unix.Seek(fd, offset, int(whence))
		return
	})
}

func (t *thread) rename(tk *task) (executed bool, err error) {
	path2, err := tk.operand(1)
	if nil != err {
		return
	}
	return t.pathOp(tk, func(path string) error {
		return unix.Rename(path, path2)
	})
}

func (t *thread) fcntl(tk *task) (executed bool, err error) {
	var (
		arg int64
		cmd int64
	)

	cmd, err = tk.intOperand(0)
	if nil == err {
		arg, err = tk.intOperand(1)
	}
	if nil != err {
		return
	}

	switch cmd {
	case unix.F_GETFD, unix.F_GETFL:
		arg = 0
	case unix.F_SETFD, unix.F_SETFL:
	default:
		return
	}

	return t.fdOp(tk, func(fd int) (err error) {
		_, err = unix.FcntlInt(uintptr(fd), int(cmd), int(arg))
		return
	})
}
