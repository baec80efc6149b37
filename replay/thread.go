// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/ringqueue"
)

// vprocess stands for one traced process within a worker.
type vprocess struct {
	vpid       uint64
	lineNo     uint64 // last record dispatched for it
	operations uint64 // updated by threads
}

// thread executes the tasks of the paths assigned to it, in order.
//
// Its queue has the dispatcher as only producer and the thread as only
// consumer, until terminate is set and the thread has been joined, after
// which the dispatcher drains whatever is left.
type thread struct {
	w         *worker
	id        int
	queue     *ringqueue.RingQueue
	terminate uint32
	idle      uint32 // 1 while queued in w.idle
	buf       []byte
	wg        sync.WaitGroup
}

func (w *worker) newThread() (t *thread) {
	t = &thread{
		w:     w,
		id:    len(w.allThreads),
		queue: ringqueue.New(int(w.config.TaskQueueDepth) + 1),
	}

	w.allThreads = append(w.allThreads, t)
	w.record.AddThread(uint64(len(w.allThreads)))

	t.wg.Add(1)
	go t.run()

	return
}

func (t *thread) terminating() bool {
	return 0 != atomic.LoadUint32(&t.terminate)
}

func (t *thread) run() {
	defer t.wg.Done()

	for {
		for !t.queue.HasNext() && !t.terminating() {
			backoff(t.w.config.ThreadPollInterval)
		}

		t.drain()

		// Stay assigned for one idle interval, then offer ourselves for
		// reuse unless a task shows up first.
		offered := false
		for !offered && !t.terminating() {
			if t.queue.HasNext() {
				break
			}
			backoff(t.w.config.IdleInterval)
			if t.queue.HasNext() {
				break
			}
			err := t.w.offerIdle(t)
			if blunder.IsResource(err) {
				logger.Tracef("thread %d: %v", t.id, err)
			}
			offered = (nil == err)
		}

		if t.terminating() {
			break
		}
	}

	t.drain()

	logger.Tracef("worker(%d) thread %d terminated", t.w.index, t.id)
}

func (t *thread) drain() {
	for {
		handle, ok := t.queue.Pop()
		if !ok {
			return
		}
		t.w.execute(t, handle.(*task))
	}
}

// push waits for room in the queue.
func (t *thread) push(tk *task) {
	t.queue.PushWait(tk, t.w.config.QueueBackoff)
}

func (t *thread) join() {
	atomic.StoreUint32(&t.terminate, 1)
	t.wg.Wait()
}

// scratch returns a buffer of n bytes owned by t.
func (t *thread) scratch(n int) []byte {
	if cap(t.buf) < n {
		t.buf = make([]byte, n)
	}
	return t.buf[:n]
}
