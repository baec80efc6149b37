// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package shm manages the table shared by all replay workers: a file mapped
// MAP_SHARED into every worker process.
//
// Layout, each part cstruct-encoded in cstruct.LittleEndian byte order:
//
//   headerStruct
//   stats.Record  * NumWorkers
//   FdSlot        * (NumFds + 1)    (virtual fds start at 1)
//
// The table is partitioned by construction. A worker only writes its own
// stats slot and the slots of virtual fds whose path it owns, so no locking
// is done here.
package shm

import (
	"fmt"
	"os"

	"github.com/NVIDIA/cstruct"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/stats"
)

const (
	magic   = uint64(0x79616c7065726f69) // "ioreplay"
	version = uint32(1)
)

type headerStruct struct {
	Magic      uint64
	Version    uint32
	NumWorkers uint32
	NumFds     uint64
}

// FdSlot describes one virtual fd in the worker that owns it.
type FdSlot struct {
	Open   bool
	Dir    bool  // opened with O_DIRECTORY
	Worker int32 // owner
	RealFd int32 // in the owner's process
	Offset uint64
}

var (
	headerSize uint64
	recordSize uint64
	fdSlotSize uint64
)

func init() {
	var (
		err error
	)

	headerSize, _, err = cstruct.Examine(headerStruct{})
	if nil == err {
		recordSize, _, err = cstruct.Examine(stats.Record{})
	}
	if nil == err {
		fdSlotSize, _, err = cstruct.Examine(FdSlot{})
	}
	if nil != err {
		logger.FatalfWithError(err, "cstruct.Examine() of shared table layout failed")
	}
}

type Table struct {
	fileName   string
	file       *os.File
	data       []byte
	numWorkers uint32
	numFds     uint64
}

func tableSize(numWorkers uint32, numFds uint64) uint64 {
	return headerSize + uint64(numWorkers)*recordSize + (numFds+1)*fdSlotSize
}

// Create makes (or truncates) fileName and maps it.
func Create(fileName string, numWorkers uint32, numFds uint64) (table *Table, err error) {
	var (
		header []byte
	)

	table = &Table{fileName: fileName, numWorkers: numWorkers, numFds: numFds}

	table.file, err = os.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	err = table.file.Truncate(int64(tableSize(numWorkers, numFds)))
	if nil != err {
		_ = table.file.Close()
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	err = table.mmap()
	if nil != err {
		return
	}

	header, err = cstruct.Pack(headerStruct{Magic: magic, Version: version, NumWorkers: numWorkers, NumFds: numFds}, cstruct.LittleEndian)
	if nil != err {
		_ = table.Close()
		return
	}
	copy(table.data, header)

	logger.Infof("created shared table %s: %d workers, %d fds, %d bytes", fileName, numWorkers, numFds, len(table.data))

	err = nil
	return
}

// Open maps a table made by Create, typically in a worker process.
func Open(fileName string) (table *Table, err error) {
	var (
		header headerStruct
		info   os.FileInfo
	)

	table = &Table{fileName: fileName}

	table.file, err = os.OpenFile(fileName, os.O_RDWR, 0)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	info, err = table.file.Stat()
	if nil != err {
		_ = table.file.Close()
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	if uint64(info.Size()) < headerSize {
		_ = table.file.Close()
		err = blunder.NewError(blunder.FatalError, "shared table %s is too small (%d bytes)", fileName, info.Size())
		return
	}

	err = table.mmapSize(int(info.Size()))
	if nil != err {
		return
	}

	_, err = cstruct.Unpack(table.data, &header, cstruct.LittleEndian)
	if (nil == err) && ((magic != header.Magic) || (version != header.Version)) {
		err = fmt.Errorf("bad magic %x or version %d", header.Magic, header.Version)
	}
	if (nil == err) && (uint64(len(table.data)) < tableSize(header.NumWorkers, header.NumFds)) {
		err = fmt.Errorf("%d bytes cannot hold %d workers and %d fds", len(table.data), header.NumWorkers, header.NumFds)
	}
	if nil != err {
		_ = table.Close()
		err = blunder.NewError(blunder.FatalError, "shared table %s: %v", fileName, err)
		return
	}

	table.numWorkers = header.NumWorkers
	table.numFds = header.NumFds

	err = nil
	return
}

func (table *Table) mmap() (err error) {
	return table.mmapSize(int(tableSize(table.numWorkers, table.numFds)))
}

func (table *Table) mmapSize(size int) (err error) {
	table.data, err = unix.Mmap(int(table.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if nil != err {
		_ = table.file.Close()
		err = blunder.AddError(blunder.AddErrno(err), blunder.FatalError)
	}
	return
}

func (table *Table) NumWorkers() uint32 {
	return table.numWorkers
}

func (table *Table) NumFds() uint64 {
	return table.numFds
}

func (table *Table) FileName() string {
	return table.fileName
}

func (table *Table) statsOffset(worker uint32) (offset uint64, err error) {
	if worker >= table.numWorkers {
		err = blunder.NewError(blunder.FatalError, "worker %d out of range [0,%d)", worker, table.numWorkers)
		return
	}
	offset = headerSize + uint64(worker)*recordSize
	return
}

func (table *Table) fdOffset(vfd uint64) (offset uint64, err error) {
	if (0 == vfd) || (vfd > table.numFds) {
		err = blunder.NewError(blunder.FatalError, "virtual fd %d out of range [1,%d]", vfd, table.numFds)
		return
	}
	offset = headerSize + uint64(table.numWorkers)*recordSize + vfd*fdSlotSize
	return
}

// PutStats publishes the stats of worker.
func (table *Table) PutStats(worker uint32, record *stats.Record) (err error) {
	var (
		buf    []byte
		offset uint64
	)

	offset, err = table.statsOffset(worker)
	if nil != err {
		return
	}
	buf, err = cstruct.Pack(record, cstruct.LittleEndian)
	if nil != err {
		return
	}
	copy(table.data[offset:offset+recordSize], buf)

	return
}

func (table *Table) GetStats(worker uint32) (record *stats.Record, err error) {
	var (
		offset uint64
	)

	offset, err = table.statsOffset(worker)
	if nil != err {
		return
	}
	record = &stats.Record{}
	_, err = cstruct.Unpack(table.data[offset:offset+recordSize], record, cstruct.LittleEndian)

	return
}

// AllStats returns the stats of every worker.
func (table *Table) AllStats() (records []stats.Record, err error) {
	var (
		record *stats.Record
	)

	records = make([]stats.Record, table.numWorkers)
	for worker := uint32(0); worker < table.numWorkers; worker++ {
		record, err = table.GetStats(worker)
		if nil != err {
			return
		}
		records[worker] = *record
	}

	return
}

func (table *Table) PutFd(vfd uint64, slot *FdSlot) (err error) {
	var (
		buf    []byte
		offset uint64
	)

	offset, err = table.fdOffset(vfd)
	if nil != err {
		return
	}
	buf, err = cstruct.Pack(slot, cstruct.LittleEndian)
	if nil != err {
		return
	}
	copy(table.data[offset:offset+fdSlotSize], buf)

	return
}

func (table *Table) GetFd(vfd uint64) (slot *FdSlot, err error) {
	var (
		offset uint64
	)

	offset, err = table.fdOffset(vfd)
	if nil != err {
		return
	}
	slot = &FdSlot{}
	_, err = cstruct.Unpack(table.data[offset:offset+fdSlotSize], slot, cstruct.LittleEndian)

	return
}

// Sync flushes the mapping to the backing file.
func (table *Table) Sync() (err error) {
	err = unix.Msync(table.data, unix.MS_SYNC)
	if nil != err {
		err = blunder.AddErrno(err)
	}
	return
}

// Close unmaps the table. The file is left in place.
func (table *Table) Close() (err error) {
	if nil != table.data {
		err = unix.Munmap(table.data)
		table.data = nil
	}
	closeErr := table.file.Close()
	if nil == err {
		err = closeErr
	}
	return
}

// Remove closes the table and deletes its file.
func (table *Table) Remove() (err error) {
	err = table.Close()
	removeErr := os.Remove(table.fileName)
	if nil == err {
		err = removeErr
	}
	return
}
