// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package shm

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ioreplay/stats"
)

func TestCreateAndOpen(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir, err := ioutil.TempDir("", "shm_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	fileName := filepath.Join(dir, "test.shm")

	creator, err := Create(fileName, 2, 10)
	require.Nil(err)

	record := &stats.Record{Pid: 1234, Lines: 7, Operations: 5, Failures: 1, MaxBehindMs: -3, Done: true}
	record.LatencyUs[3] = 4
	assert.Nil(creator.PutStats(1, record))
	assert.Nil(creator.PutFd(10, &FdSlot{Open: true, Worker: 1, RealFd: 42, Offset: 4096}))
	assert.Nil(creator.Sync())

	// A second mapping of the same file sees the first one's stores.
	opener, err := Open(fileName)
	require.Nil(err)
	assert.Equal(uint32(2), opener.NumWorkers())
	assert.Equal(uint64(10), opener.NumFds())

	got, err := opener.GetStats(1)
	require.Nil(err)
	assert.Equal(*record, *got)

	got, err = opener.GetStats(0)
	require.Nil(err)
	assert.Equal(stats.Record{}, *got)

	slot, err := opener.GetFd(10)
	require.Nil(err)
	assert.Equal(FdSlot{Open: true, Worker: 1, RealFd: 42, Offset: 4096}, *slot)

	assert.Nil(opener.PutFd(10, &FdSlot{}))
	slot, err = creator.GetFd(10)
	require.Nil(err)
	assert.False(slot.Open)

	all, err := creator.AllStats()
	require.Nil(err)
	assert.Equal(2, len(all))
	assert.Equal(uint64(7), all[1].Lines)

	assert.Nil(opener.Close())
	assert.Nil(creator.Remove())

	_, err = os.Stat(fileName)
	assert.True(os.IsNotExist(err))
}

func TestBounds(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir, err := ioutil.TempDir("", "shm_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	table, err := Create(filepath.Join(dir, "test.shm"), 1, 2)
	require.Nil(err)
	defer table.Close()

	_, err = table.GetFd(0)
	assert.NotNil(err)
	_, err = table.GetFd(3)
	assert.NotNil(err)
	_, err = table.GetStats(1)
	assert.NotNil(err)
	assert.NotNil(table.PutStats(1, &stats.Record{}))
}

func TestOpenRejectsGarbage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir, err := ioutil.TempDir("", "shm_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	fileName := filepath.Join(dir, "garbage.shm")
	require.Nil(ioutil.WriteFile(fileName, make([]byte, 4096), 0600))
	_, err = Open(fileName)
	assert.NotNil(err)

	require.Nil(ioutil.WriteFile(fileName, []byte("short"), 0600))
	_, err = Open(fileName)
	assert.NotNil(err)

	_, err = Open(filepath.Join(dir, "missing.shm"))
	assert.NotNil(err)
}
