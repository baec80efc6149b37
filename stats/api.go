// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package stats collects per-worker replay statistics and aggregates them into
// the global report printed at shutdown.
//
// A Record has only fixed-size fields so that it can be stored in the shared
// table (see package shm) with cstruct; process-mode workers publish their
// Record there and the controlling process aggregates them.
package stats

import (
	"math/bits"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// NumLatencyBuckets log2 buckets of microseconds: bucket 0 holds latencies
// under 1us, bucket n holds [2^(n-1), 2^n) us and the last bucket holds
// everything longer.
const NumLatencyBuckets = 32

// sysinfo(2) reports load averages as fixed point numbers
const loadShift = 16

type Record struct {
	Pid            int64
	Lines          uint64 // records dispatched
	Operations     uint64 // operations executed
	Failures       uint64 // operations the filesystem rejected
	ThreadsCreated uint64
	PeakThreads    uint64
	PeakLoadAvg    uint64 // 1-minute load average * 100
	MaxAheadMs     int64  // furthest ahead of the recorded timeline
	MaxBehindMs    int64  // furthest behind it
	LatencyUs      [NumLatencyBuckets]uint64
	Done           bool
}

func latencyBucket(latency time.Duration) (idx int) {
	us := latency.Microseconds()
	if 0 >= us {
		return 0
	}
	idx = bits.Len64(uint64(us))
	if idx >= NumLatencyBuckets {
		idx = NumLatencyBuckets - 1
	}
	return
}

// bucketLimit is the exclusive upper bound of bucket idx.
func bucketLimit(idx int) time.Duration {
	return time.Duration(uint64(1)<<uint(idx)) * time.Microsecond
}

func storeMax(addr *uint64, value uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if (old >= value) || atomic.CompareAndSwapUint64(addr, old, value) {
			return
		}
	}
}

func storeMaxInt(addr *int64, value int64) {
	for {
		old := atomic.LoadInt64(addr)
		if (old >= value) || atomic.CompareAndSwapInt64(addr, old, value) {
			return
		}
	}
}

// The recording methods may be called from any thread of a worker.

func (record *Record) AddLine() {
	atomic.AddUint64(&record.Lines, 1)
}

func (record *Record) AddOperation(latency time.Duration, failed bool) {
	atomic.AddUint64(&record.Operations, 1)
	if failed {
		atomic.AddUint64(&record.Failures, 1)
	}
	atomic.AddUint64(&record.LatencyUs[latencyBucket(latency)], 1)
}

func (record *Record) AddThread(live uint64) {
	atomic.AddUint64(&record.ThreadsCreated, 1)
	storeMax(&record.PeakThreads, live)
}

// NoteSchedule records how far ahead (positive) or behind (negative) the
// recorded timeline the dispatcher is.
func (record *Record) NoteSchedule(ahead time.Duration) {
	ms := ahead.Milliseconds()
	if 0 <= ms {
		storeMaxInt(&record.MaxAheadMs, ms)
	} else {
		storeMaxInt(&record.MaxBehindMs, -ms)
	}
}

func (record *Record) NoteLoadAvg(loadAvg float64) {
	storeMax(&record.PeakLoadAvg, uint64(loadAvg*100))
}

// Snapshot copies record without racing the recording methods.
func (record *Record) Snapshot() (snapshot Record) {
	snapshot.Pid = atomic.LoadInt64(&record.Pid)
	snapshot.Lines = atomic.LoadUint64(&record.Lines)
	snapshot.Operations = atomic.LoadUint64(&record.Operations)
	snapshot.Failures = atomic.LoadUint64(&record.Failures)
	snapshot.ThreadsCreated = atomic.LoadUint64(&record.ThreadsCreated)
	snapshot.PeakThreads = atomic.LoadUint64(&record.PeakThreads)
	snapshot.PeakLoadAvg = atomic.LoadUint64(&record.PeakLoadAvg)
	snapshot.MaxAheadMs = atomic.LoadInt64(&record.MaxAheadMs)
	snapshot.MaxBehindMs = atomic.LoadInt64(&record.MaxBehindMs)
	for i := range record.LatencyUs {
		snapshot.LatencyUs[i] = atomic.LoadUint64(&record.LatencyUs[i])
	}
	snapshot.Done = record.Done
	return
}

// Merge folds other into record. Counters and thread peaks add up since
// workers run side by side; the other peaks take the maximum.
func (record *Record) Merge(other *Record) {
	record.Lines += other.Lines
	record.Operations += other.Operations
	record.Failures += other.Failures
	record.ThreadsCreated += other.ThreadsCreated
	record.PeakThreads += other.PeakThreads
	if other.PeakLoadAvg > record.PeakLoadAvg {
		record.PeakLoadAvg = other.PeakLoadAvg
	}
	if other.MaxAheadMs > record.MaxAheadMs {
		record.MaxAheadMs = other.MaxAheadMs
	}
	if other.MaxBehindMs > record.MaxBehindMs {
		record.MaxBehindMs = other.MaxBehindMs
	}
	for i := range record.LatencyUs {
		record.LatencyUs[i] += other.LatencyUs[i]
	}
}

// LatencyPercentile returns the upper bound of the bucket holding the p-th
// percentile (0 < p <= 100) of operation latencies.
func (record *Record) LatencyPercentile(p float64) time.Duration {
	var (
		count uint64
		seen  uint64
	)

	for _, n := range record.LatencyUs {
		count += n
	}
	if 0 == count {
		return 0
	}

	want := uint64(p / 100 * float64(count))
	if want == 0 {
		want = 1
	}
	for i, n := range record.LatencyUs {
		seen += n
		if seen >= want {
			return bucketLimit(i)
		}
	}
	return bucketLimit(NumLatencyBuckets - 1)
}

// LoadAvg returns the 1-minute load average of the host.
func LoadAvg() (loadAvg float64, err error) {
	var (
		info unix.Sysinfo_t
	)

	err = unix.Sysinfo(&info)
	if nil != err {
		return
	}

	loadAvg = float64(info.Loads[0]) / float64(1<<loadShift)
	return
}
