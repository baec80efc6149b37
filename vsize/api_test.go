// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package vsize

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenRead(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tracker := New(Config{HoleTolerance: 0})

	v := tracker.Get("/mnt/a/f")
	tracker.Open(v, 0)
	assert.True(v.Required)
	assert.True(v.IsFile)
	assert.True(v.Unsure)

	require.Nil(tracker.Read(v, 0, 100))
	tracker.Close(v)

	parent, ok := tracker.Lookup("/mnt/a")
	require.True(ok)
	assert.True(parent.Required)
	assert.True(parent.IsDir)

	records, err := v.InitRecords()
	require.Nil(err)
	assert.Equal([]InitRecord{{IsFile: true, Start: 0, Length: 100, Path: "/mnt/a/f"}}, records)

	var out bytes.Buffer
	numRecords, err := tracker.WriteInit(&out)
	require.Nil(err)
	assert.Equal(uint64(3), numRecords)
	assert.Equal("1|0|0|0|/mnt|\n1|0|0|0|/mnt/a|\n0|1|0|100|/mnt/a/f|\n", out.String())
}

func TestRename(t *testing.T) {
	assert := assert.New(t)

	tracker := New(Config{})

	v := tracker.Get("/mnt/a")
	v2 := tracker.Get("/mnt/b")
	tracker.Rename(v, v2)

	assert.True(v.Required)
	assert.True(v.IsFile)
	assert.True(v.Unsure)
	assert.False(v.Renamed)

	assert.False(v2.Required)
	assert.True(v2.IsFile)
	assert.True(v2.Unsure)
	assert.True(v2.Renamed)

	parent, ok := tracker.Lookup("/mnt")
	assert.True(ok)
	assert.True(parent.Required)
	assert.True(parent.IsDir)
}

func TestRefinement(t *testing.T) {
	assert := assert.New(t)

	tracker := New(Config{})

	v := tracker.Get("/mnt/x/d")
	tracker.Stat(v)
	assert.True(v.IsFile)
	assert.True(v.Unsure)

	tracker.Open(v, unix.O_DIRECTORY)
	assert.True(v.IsDir)
	assert.False(v.IsFile)
	assert.False(v.Unsure)

	tracker.Open(v, 0)
	assert.True(v.IsDir)

	child := tracker.Get("/mnt/x/f")
	tracker.Stat(child)
	grandChild := tracker.Get("/mnt/x/f/g")
	tracker.Stat(grandChild)
	assert.True(child.IsDir)
	assert.False(child.Unsure)

	created := tracker.Get("/mnt/x/new")
	tracker.Open(created, unix.O_CREAT|unix.O_WRONLY)
	assert.False(created.Required)

	made := tracker.Get("/mnt/x/madedir")
	tracker.Mkdir(made)
	assert.True(made.IsDir)
	assert.False(made.Required)

	removed := tracker.Get("/mnt/x/gone")
	tracker.Unlink(removed)
	assert.True(removed.Required)
	assert.True(removed.IsFile)
	assert.True(removed.Unsure)

	removedDir := tracker.Get("/mnt/x/gonedir")
	tracker.Rmdir(removedDir)
	assert.True(removedDir.Required)
	assert.True(removedDir.IsDir)
}

func TestWriteThenRead(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tracker := New(Config{})

	v := tracker.Get("/mnt/w")
	tracker.Open(v, unix.O_CREAT|unix.O_RDWR)
	require.Nil(tracker.Write(v, 0, 4096))
	require.Nil(tracker.Read(v, 0, 1024))
	assert.False(v.Required)

	records, err := v.InitRecords()
	require.Nil(err)
	assert.Nil(records)

	require.Nil(tracker.Read(v, 4000, 200))
	assert.True(v.Required)
	records, err = v.InitRecords()
	require.Nil(err)
	assert.Equal([]InitRecord{{IsFile: true, Start: 4000, Length: 200, Path: "/mnt/w"}}, records)
}

func TestSparseReads(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tracker := New(Config{HoleTolerance: 1024})

	v := tracker.Get("/mnt/sparse")
	tracker.Open(v, 0)
	require.Nil(tracker.Read(v, 0, 100))
	require.Nil(tracker.Read(v, 500, 100))
	assert.False(v.reads.sparse())

	require.Nil(tracker.Read(v, 1<<20, 4096))
	assert.True(v.reads.sparse())

	records, err := v.InitRecords()
	require.Nil(err)
	assert.Equal([]InitRecord{
		{IsFile: true, Start: 0, Length: 600, Path: "/mnt/sparse"},
		{IsFile: true, Start: 1 << 20, Length: 4096, Path: "/mnt/sparse"},
	}, records)
}

func traceEvents(tracker *Tracker) {
	f := tracker.Get("/mnt/t/f")
	tracker.Open(f, 0)
	_ = tracker.Read(f, 0, 10)
	_ = tracker.Write(f, 10, 90)
	_ = tracker.Read(f, 50, 10)
	d := tracker.Get("/mnt/t/d")
	tracker.Open(d, unix.O_DIRECTORY)
	s := tracker.Get("/mnt/t/d/s")
	tracker.Stat(s)
	tracker.Seek(f)
	_ = tracker.Read(f, 2<<20, 10)
}

func TestIdempotence(t *testing.T) {
	assert := assert.New(t)

	var first, second bytes.Buffer

	tracker := New(Config{HoleTolerance: 4096})
	traceEvents(tracker)
	_, err := tracker.WriteInit(&first)
	assert.Nil(err)

	tracker = New(Config{HoleTolerance: 4096})
	traceEvents(tracker)
	_, err = tracker.WriteInit(&second)
	assert.Nil(err)

	assert.Equal(first.String(), second.String())
	assert.True(strings.Contains(first.String(), "1|0|0|0|/mnt/t/d|\n"))
	assert.Equal(5, tracker.Len())
}

func TestParseInitRecord(t *testing.T) {
	assert := assert.New(t)

	record, err := ParseInitRecord("0|1|4096|100|/mnt/.ioreplay/x/f|\n")
	assert.Nil(err)
	assert.Equal(&InitRecord{IsFile: true, Start: 4096, Length: 100, Path: "/mnt/.ioreplay/x/f"}, record)

	_, err = ParseInitRecord("0|1|x|100|/f|")
	assert.NotNil(err)
	_, err = ParseInitRecord("0|1|0|100|")
	assert.NotNil(err)
}
