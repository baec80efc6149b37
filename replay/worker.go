// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/chainedmap"
	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/meta"
	"github.com/NVIDIA/ioreplay/opcode"
	"github.com/NVIDIA/ioreplay/ringqueue"
	"github.com/NVIDIA/ioreplay/shm"
	"github.com/NVIDIA/ioreplay/stats"
	"github.com/NVIDIA/ioreplay/utils"
)

// maxRecordLength bounds a body line: two paths plus the numeric columns.
const maxRecordLength = 2*unix.PathMax + 1024

// worker dispatches its share of the body to threads.
//
// Only the dispatcher touches processes, threads and allThreads. The two
// recycle queues are shared with the threads and each has a mutex.
type worker struct {
	config *Config
	header *meta.Header
	index  uint32
	table  *shm.Table
	record stats.Record
	pacer  *pacer
	uid    int // chown target

	processes  *chainedmap.IntMap // vpid -> *vprocess
	threads    *chainedmap.IntMap // vsize id -> *thread
	allThreads []*thread          // in creation order
	single     *thread

	idleLock sync.Mutex
	idle     *ringqueue.RingQueue // of *thread

	taskLock sync.Mutex
	tasks    *ringqueue.RingQueue // of *task

	failed  uint32
	errLock sync.Mutex
	err     error

	records   uint64 // body records seen, for progress
	lastTime  int64  // of the last record dispatched
	lastStats time.Duration
}

func backoff(d time.Duration) {
	if 0 == d {
		runtime.Gosched()
	} else {
		time.Sleep(d)
	}
}

func newWorker(config *Config, header *meta.Header, table *shm.Table, index uint32) (w *worker, err error) {
	var (
		uid uint32
	)

	w = &worker{
		config: config,
		header: header,
		index:  index,
		table:  table,
		pacer:  newPacer(config.Clock, config.SpeedFactor, config.Unthrottled),
		uid:    os.Getuid(),
		processes: chainedmap.NewIntMap(chainedmap.Config{
			Size: header.NumMappedPids + 1,
		}),
		threads: chainedmap.NewIntMap(chainedmap.Config{
			Size: header.NumVSizes/uint64(config.NumWorkers) + 1,
		}),
		idle:  ringqueue.New(int(config.MaxThreadsPerWorker) + 1),
		tasks: ringqueue.New(int(config.MaxThreadsPerWorker*config.TaskQueueDepth) + 1),
	}
	w.record.Pid = int64(os.Getpid())

	if user := replayUser(config, header); "" != user {
		uid, _, err = utils.LookupUser(user)
		if nil != err {
			err = blunder.AddError(err, blunder.FatalError)
			return
		}
		w.uid = int(uid)
	}

	if SingleThreaded == config.ThreadingMode {
		logger.Warnf("worker(%d): single threaded mode, all paths replay one after another", index)
	}

	err = nil
	return
}

func replayUser(config *Config, header *meta.Header) string {
	if "" != config.User {
		return config.User
	}
	return header.User
}

func (w *worker) fail(err error) {
	w.errLock.Lock()
	if nil == w.err {
		w.err = err
	}
	w.errLock.Unlock()
	atomic.StoreUint32(&w.failed, 1)
}

func (w *worker) hasFailed() bool {
	return 0 != atomic.LoadUint32(&w.failed)
}

// offerIdle queues t for reuse by another path. A ResourceError means the
// idle queue is momentarily full and the offer should be retried.
func (w *worker) offerIdle(t *thread) (err error) {
	if !atomic.CompareAndSwapUint32(&t.idle, 0, 1) {
		// still queued from an earlier offer
		return nil
	}

	w.idleLock.Lock()
	ok := w.idle.Push(t)
	w.idleLock.Unlock()

	if !ok {
		atomic.StoreUint32(&t.idle, 0)
		err = blunder.NewError(blunder.ResourceError, "worker(%d): idle queue full", w.index)
	}
	return
}

func (w *worker) popIdle() (t *thread) {
	w.idleLock.Lock()
	handle, ok := w.idle.Pop()
	w.idleLock.Unlock()

	if !ok {
		return nil
	}
	t = handle.(*thread)
	atomic.StoreUint32(&t.idle, 0)
	return
}

// threadFor returns the thread serving vsizeID. A path keeps its thread for
// the rest of the run so that its records never overtake each other, but the
// thread may take on further paths once it has gone idle.
func (w *worker) threadFor(vsizeID uint64) (t *thread) {
	if SingleThreaded == w.config.ThreadingMode {
		if nil == w.single {
			w.single = w.newThread()
		}
		return w.single
	}

	if value, ok := w.threads.Get(vsizeID); ok {
		return value.(*thread)
	}

	t = w.popIdle()
	if (nil == t) && (uint64(len(w.allThreads)) >= w.config.MaxThreadsPerWorker) {
		logger.Debugf("worker(%d): all %d threads busy", w.index, len(w.allThreads))
		for nil == t {
			backoff(w.config.ThreadPollInterval)
			t = w.popIdle()
		}
	}
	if nil == t {
		t = w.newThread()
	}

	w.threads.Replace(vsizeID, t)
	return
}

func (w *worker) process(vpid uint64) (p *vprocess) {
	if value, ok := w.processes.Get(vpid); ok {
		return value.(*vprocess)
	}
	p = &vprocess{vpid: vpid}
	w.processes.Insert(vpid, p)
	return
}

func (w *worker) newTask() (t *task) {
	w.taskLock.Lock()
	handle, ok := w.tasks.Pop()
	w.taskLock.Unlock()

	if ok {
		return handle.(*task)
	}
	return &task{}
}

// recycle drops t if the recycle queue is full.
func (w *worker) recycle(t *task) {
	t.reset()
	w.taskLock.Lock()
	_ = w.tasks.Push(t)
	w.taskLock.Unlock()
}

// meta handles a record that every worker sees.
func (w *worker) meta(t *task) {
	switch t.op {
	case opcode.MetaExitGroup:
		if value, ok := w.processes.Remove(t.vpid); ok {
			p := value.(*vprocess)
			logger.Debugf("worker(%d): vpid %d exited after %d operations", w.index, p.vpid, atomic.LoadUint64(&p.operations))
		}
	default:
		// nothing to do for exit and timeline markers
	}
}

// dispatch reads the body from r and hands this worker's records to threads.
func (w *worker) dispatch(r io.Reader) (err error) {
	var (
		line    string
		scanner = bufio.NewScanner(r)
		t       *task
	)

	scanner.Buffer(make([]byte, 64*1024), maxRecordLength)

	for scanner.Scan() && !w.hasFailed() {
		line = scanner.Text()

		if strings.HasPrefix(line, "#") || ("" == line) {
			if strings.HasPrefix(line, meta.InitMarker) {
				break
			}
			continue
		}
		w.records++

		t = w.newTask()
		err = t.parse(line)
		if nil != err {
			return
		}

		if t.op.IsMeta() {
			w.meta(t)
			w.recycle(t)
			continue
		}
		if uint32(t.vsizeID%uint64(w.config.NumWorkers)) != w.index {
			w.recycle(t)
			continue
		}

		w.record.NoteSchedule(w.pacer.wait(t.time))
		w.lastTime = t.time

		t.process = w.process(t.vpid)
		t.process.lineNo = t.lineNo
		w.record.AddLine()

		w.threadFor(t.vsizeID).push(t)

		if elapsed := w.pacer.elapsed(); elapsed-w.lastStats >= w.config.StatsInterval {
			w.lastStats = elapsed
			w.logStats(t.time)
		}
	}

	err = scanner.Err()
	if nil != err {
		err = blunder.NewError(blunder.FatalError, "reading %s: %v", w.config.ReplayFile, err)
	}
	return
}

func (w *worker) logStats(recordedMs int64) {
	var (
		direction = "ahead"
		progress  float64
	)

	loadAvg, err := stats.LoadAvg()
	if nil == err {
		w.record.NoteLoadAvg(loadAvg)
	}

	ahead := w.pacer.schedule(recordedMs)
	if 0 > ahead {
		direction = "behind"
		ahead = -ahead
	}
	if 0 < w.header.NumLines {
		progress = 100 * float64(w.records) / float64(w.header.NumLines)
	}

	logger.Infof("worker(%d): threads:%d %s:%ds progress:%.2f%% operations:%s loadavg:%.2f",
		w.index, len(w.allThreads), direction, int64(ahead.Seconds()), progress,
		humanize.Comma(int64(atomic.LoadUint64(&w.record.Operations))), loadAvg)

	w.publish()
}

func (w *worker) publish() {
	snapshot := w.record.Snapshot()
	err := w.table.PutStats(w.index, &snapshot)
	if nil != err {
		logger.WarnfWithError(err, "worker(%d): publishing stats failed", w.index)
	}
}

// shutdown joins every thread, newest first, and then runs whatever is
// still queued.
func (w *worker) shutdown() {
	logger.Infof("worker(%d): waiting for %d threads to finish", w.index, len(w.allThreads))

	for i := len(w.allThreads) - 1; i >= 0; i-- {
		w.allThreads[i].join()
	}
	for _, t := range w.allThreads {
		t.drain()
	}

	w.closeLeftovers()
}

// closeLeftovers closes the real fds of this worker that no record closed.
func (w *worker) closeLeftovers() {
	var (
		leaked uint64
	)

	for vfd := uint64(1); vfd <= w.table.NumFds(); vfd++ {
		slot, err := w.table.GetFd(vfd)
		if (nil != err) || !slot.Open || (uint32(slot.Worker) != w.index) {
			continue
		}
		_ = unix.Close(int(slot.RealFd))
		_ = w.table.PutFd(vfd, &shm.FdSlot{})
		leaked++
	}

	if 0 < leaked {
		logger.Infof("worker(%d): closed %d fds left open by the trace", w.index, leaked)
	}
}

// run replays the body in fileName and publishes the final statistics.
func (w *worker) run(fileName string) (err error) {
	var (
		file *os.File
	)

	file, err = os.Open(fileName)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	defer file.Close()

	logger.Infof("worker(%d): replaying %s", w.index, fileName)

	err = w.dispatch(file)
	w.shutdown()

	if nil == err {
		w.errLock.Lock()
		err = w.err
		w.errLock.Unlock()
	}

	loadAvg, loadErr := stats.LoadAvg()
	if nil == loadErr {
		w.record.NoteLoadAvg(loadAvg)
	}
	w.record.NoteSchedule(w.pacer.schedule(w.lastTime))
	w.record.Done = true
	w.publish()

	logger.Infof("worker(%d): all threads terminated after %s operations", w.index,
		humanize.Comma(int64(w.record.Operations)))

	return
}
