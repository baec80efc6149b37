// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ringqueue provides a fixed capacity single-producer/single-consumer
// circular buffer of opaque handles.
//
// Exactly one goroutine may push and exactly one goroutine may pop over the
// lifetime of a RingQueue. No locks are taken: the producer stores the payload
// before advancing writePos and the consumer loads the payload before
// advancing readPos, each index being a single atomic word written by only one
// side. One slot is always left vacant so that full and empty can be told
// apart, hence a RingQueue of capacity N holds at most N-1 handles.
//
// A failed Push is back-pressure, not an error. Callers retry (see PushWait)
// or drop.
package ringqueue

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

type RingQueue struct {
	size     uint64
	readPos  uint64 // last slot consumed; written only by the consumer
	writePos uint64 // next slot to fill; written only by the producer
	ring     []interface{}
}

// New returns an empty RingQueue with room for capacity-1 handles.
func New(capacity int) (rq *RingQueue) {
	if capacity < 2 {
		panic(fmt.Sprintf("ringqueue.New(%d): capacity must be at least 2", capacity))
	}

	rq = &RingQueue{
		size:     uint64(capacity),
		readPos:  uint64(capacity - 1),
		writePos: 0,
		ring:     make([]interface{}, capacity),
	}

	return
}

// Push appends handle. It returns false, leaving the queue untouched, when full.
func (rq *RingQueue) Push(handle interface{}) (ok bool) {
	var (
		readPos  = atomic.LoadUint64(&rq.readPos)
		writePos = atomic.LoadUint64(&rq.writePos)
	)

	if writePos == readPos {
		ok = false
		return
	}

	rq.ring[writePos] = handle
	atomic.StoreUint64(&rq.writePos, (writePos+1)%rq.size)

	ok = true
	return
}

// PushWait retries Push until it succeeds, sleeping backoff between attempts.
// A zero backoff yields the processor instead of sleeping.
func (rq *RingQueue) PushWait(handle interface{}, backoff time.Duration) {
	for !rq.Push(handle) {
		if 0 == backoff {
			runtime.Gosched()
		} else {
			time.Sleep(backoff)
		}
	}
}

// HasNext reports whether Pop would return a handle.
func (rq *RingQueue) HasNext() bool {
	return ((atomic.LoadUint64(&rq.readPos) + 1) % rq.size) != atomic.LoadUint64(&rq.writePos)
}

// Pop removes and returns the oldest handle. ok is false if the queue is empty.
func (rq *RingQueue) Pop() (handle interface{}, ok bool) {
	var (
		readPos = (atomic.LoadUint64(&rq.readPos) + 1) % rq.size
	)

	if readPos == atomic.LoadUint64(&rq.writePos) {
		ok = false
		return
	}

	handle = rq.ring[readPos]
	rq.ring[readPos] = nil
	atomic.StoreUint64(&rq.readPos, readPos)

	ok = true
	return
}

// Len is a snapshot; it may be stale by the time the caller looks at it.
func (rq *RingQueue) Len() int {
	var (
		readPos  = atomic.LoadUint64(&rq.readPos)
		writePos = atomic.LoadUint64(&rq.writePos)
	)

	return int((writePos + rq.size - readPos - 1) % rq.size)
}

// Cap returns the number of handles the queue can hold.
func (rq *RingQueue) Cap() int {
	return int(rq.size - 1)
}

func (rq *RingQueue) String() string {
	return fmt.Sprintf("RingQueue{size: %d, readPos: %d, writePos: %d, len: %d}",
		rq.size, atomic.LoadUint64(&rq.readPos), atomic.LoadUint64(&rq.writePos), rq.Len())
}
