// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package tpool provides a fixed size pool of goroutines delivering 3-tuples
// of opaque arguments to a single callback.
//
// Unlike the ring queues of the generate and replay hot paths, the pool blocks
// properly: idle workers wait on a condition variable and AddWork waits while
// the queue is full. Destroy drains all queued work before returning.
package tpool

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/ringqueue"
)

// Callback is invoked on some worker for every tuple passed to AddWork.
type Callback func(arg1 interface{}, arg2 interface{}, arg3 interface{})

type work struct {
	arg1 interface{}
	arg2 interface{}
	arg3 interface{}
}

type Pool struct {
	sync.Mutex
	notEmpty   *sync.Cond
	notFull    *sync.Cond
	queue      *ringqueue.RingQueue // Push and Pop are serialized by the Mutex
	callback   Callback
	numWorkers int
	terminate  bool
	wg         sync.WaitGroup
}

// New starts numWorkers workers sharing a queue of twice that many tuples.
func New(numWorkers int, callback Callback) (pool *Pool) {
	if 0 >= numWorkers {
		panic(fmt.Sprintf("tpool.New(%d): numWorkers must be positive", numWorkers))
	}

	pool = &Pool{
		queue:      ringqueue.New(2*numWorkers + 1),
		callback:   callback,
		numWorkers: numWorkers,
	}
	pool.notEmpty = sync.NewCond(pool)
	pool.notFull = sync.NewCond(pool)

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.worker(i)
	}

	logger.Tracef("tpool started %d workers", numWorkers)

	return
}

// AddWork queues one tuple, waiting while the queue is full. It fails once
// Destroy has been called.
func (pool *Pool) AddWork(arg1 interface{}, arg2 interface{}, arg3 interface{}) (err error) {
	pool.Lock()
	defer pool.Unlock()

	for {
		if pool.terminate {
			err = fmt.Errorf("tpool: AddWork() called after Destroy()")
			return
		}
		if pool.queue.Push(&work{arg1: arg1, arg2: arg2, arg3: arg3}) {
			break
		}
		pool.notFull.Wait()
	}

	pool.notEmpty.Signal()

	err = nil
	return
}

// Destroy lets the workers finish every queued tuple, then waits for them
// to exit.
func (pool *Pool) Destroy() {
	pool.Lock()
	pool.terminate = true
	pool.notEmpty.Broadcast()
	pool.notFull.Broadcast()
	pool.Unlock()

	pool.wg.Wait()

	logger.Tracef("tpool stopped %d workers", pool.numWorkers)
}

func (pool *Pool) worker(workerIndex int) {
	defer pool.wg.Done()

	for {
		pool.Lock()
		for !pool.queue.HasNext() {
			if pool.terminate {
				pool.Unlock()
				return
			}
			pool.notEmpty.Wait()
		}
		handle, _ := pool.queue.Pop()
		pool.notFull.Signal()
		pool.Unlock()

		w := handle.(*work)
		pool.callback(w.arg1, w.arg2, w.arg3)
	}
}
