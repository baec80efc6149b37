// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	assert := assert.New(t)

	var (
		record Record
		wg     sync.WaitGroup
	)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				record.AddOperation(3*time.Microsecond, 0 == j%100)
			}
		}()
	}
	wg.Wait()

	record.AddLine()
	record.AddThread(1)
	record.AddThread(2)
	record.AddThread(1)
	record.NoteSchedule(1500 * time.Millisecond)
	record.NoteSchedule(-200 * time.Millisecond)
	record.NoteSchedule(10 * time.Millisecond)
	record.NoteLoadAvg(1.25)
	record.NoteLoadAvg(0.5)

	snapshot := record.Snapshot()
	assert.Equal(uint64(4000), snapshot.Operations)
	assert.Equal(uint64(40), snapshot.Failures)
	assert.Equal(uint64(1), snapshot.Lines)
	assert.Equal(uint64(3), snapshot.ThreadsCreated)
	assert.Equal(uint64(2), snapshot.PeakThreads)
	assert.Equal(int64(1500), snapshot.MaxAheadMs)
	assert.Equal(int64(200), snapshot.MaxBehindMs)
	assert.Equal(uint64(125), snapshot.PeakLoadAvg)
	assert.Equal(uint64(4000), snapshot.LatencyUs[2])
	assert.Equal(4*time.Microsecond, snapshot.LatencyPercentile(99))
}

func TestLatencyBuckets(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(0, latencyBucket(500*time.Nanosecond))
	assert.Equal(1, latencyBucket(time.Microsecond))
	assert.Equal(11, latencyBucket(time.Millisecond+24*time.Microsecond))
	assert.Equal(NumLatencyBuckets-1, latencyBucket(time.Hour*24*365))

	var record Record
	assert.Equal(time.Duration(0), record.LatencyPercentile(50))
	record.LatencyUs[0] = 90
	record.LatencyUs[10] = 10
	assert.Equal(time.Microsecond, record.LatencyPercentile(50))
	assert.Equal(1024*time.Microsecond, record.LatencyPercentile(99))
}

func TestReport(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	workers := []Record{
		{Pid: 10, Operations: 3, Failures: 1, PeakThreads: 4, PeakLoadAvg: 150, MaxAheadMs: 20, MaxBehindMs: 5, Done: true},
		{Pid: 11, Operations: 7, PeakThreads: 2, PeakLoadAvg: 100, MaxAheadMs: 10, MaxBehindMs: 50, Done: true},
	}
	workers[0].LatencyUs[3] = 3
	workers[1].LatencyUs[4] = 7

	report := Aggregate("mytest", workers, 2*time.Second)
	assert.Equal(uint64(10), report.Total.Operations)
	assert.Equal(uint64(6), report.Total.PeakThreads)
	assert.Equal(uint64(150), report.Total.PeakLoadAvg)
	assert.Equal(int64(20), report.Total.MaxAheadMs)
	assert.Equal(int64(50), report.Total.MaxBehindMs)
	assert.True(report.Total.Done)
	assert.Equal(5.0, report.OpsPerSecond())
	report.Log()

	families, err := report.Registry().Gather()
	require.Nil(err)
	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(names["ioreplay_operations"])
	assert.True(names["ioreplay_operation_latency_seconds"])

	dir, err := ioutil.TempDir("", "stats_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	textfile := filepath.Join(dir, "ioreplay.prom")
	require.Nil(report.WriteTextfile(textfile))
	text, err := ioutil.ReadFile(textfile)
	require.Nil(err)
	assert.True(strings.Contains(string(text), `ioreplay_operations{test="mytest",worker="all"} 10`))
	assert.True(strings.Contains(string(text), `ioreplay_operations{test="mytest",worker="1"} 7`))
	assert.True(strings.Contains(string(text), `ioreplay_operation_latency_seconds_count{test="mytest"} 10`))

	workers[1].Done = false
	assert.False(Aggregate("mytest", workers, time.Second).Total.Done)
}

func TestLoadAvg(t *testing.T) {
	assert := assert.New(t)

	loadAvg, err := LoadAvg()
	assert.Nil(err)
	assert.True(0 <= loadAvg)
}
