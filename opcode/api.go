// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package opcode defines the closed set of operations a replay file can hold.
//
// Codes are grouped in families of ten (a hundred for meta operations) so that
// the family of an operation can be read off its code.
package opcode

import (
	"fmt"
)

type Code uint32

const (
	// stat(2) family
	Fstat Code = iota
	FstatAt
	Fstatfs
	Fstatfs64
	Lstat
	Stat
	Statfs
	Statfs64
)

const (
	// read(2) family
	Read Code = iota + 10
	Readv
	Readahead
	Readdir
	Readlink
	ReadlinkAt
)

const (
	// write(2) family
	Write Code = iota + 20
	Writev
)

const (
	// calls that may create files
	Open Code = iota + 30
	OpenAt
	Creat
	Mkdir
	MkdirAt
	NameToHandleAt
	OpenByHandleAt
)

const (
	Rename Code = iota + 40
	RenameAt
	RenameAt2
)

const (
	// calls that release or remove
	Close Code = iota + 50
	Unlink
	UnlinkAt
	Rmdir
)

const (
	Fsync Code = iota + 60
	Fdatasync
	Sync
	Syncfs
	SyncFileRange
)

const (
	Fcntl Code = iota + 70
	Getdents
	Lseek
	Llseek
)

const (
	Mmap2 Code = iota + 80
	Munmap
	Mremap
	Msync
)

const (
	Chmod Code = iota + 100
	Fchmod
	FchmodAt
)

const (
	Chown Code = iota + 110
	Chown16
	Lchown
	Lchown16
	Fchown
	Fchown16
	FchownAt
)

const (
	// MetaExit marks the end of a single thread
	MetaExit Code = iota + 900
	// MetaExitGroup marks the end of a whole process; every worker sees it
	MetaExitGroup
	// MetaTimeline is reserved for cross-worker synchronization
	MetaTimeline
)

var names = map[Code]string{
	Fstat:          "fstat",
	FstatAt:        "fstatat",
	Fstatfs:        "fstatfs",
	Fstatfs64:      "fstatfs64",
	Lstat:          "lstat",
	Stat:           "stat",
	Statfs:         "statfs",
	Statfs64:       "statfs64",
	Read:           "read",
	Readv:          "readv",
	Readahead:      "readahead",
	Readdir:        "readdir",
	Readlink:       "readlink",
	ReadlinkAt:     "readlinkat",
	Write:          "write",
	Writev:         "writev",
	Open:           "open",
	OpenAt:         "openat",
	Creat:          "creat",
	Mkdir:          "mkdir",
	MkdirAt:        "mkdirat",
	NameToHandleAt: "name_to_handle_at",
	OpenByHandleAt: "open_by_handle_at",
	Rename:         "rename",
	RenameAt:       "renameat",
	RenameAt2:      "renameat2",
	Close:          "close",
	Unlink:         "unlink",
	UnlinkAt:       "unlinkat",
	Rmdir:          "rmdir",
	Fsync:          "fsync",
	Fdatasync:      "fdatasync",
	Sync:           "sync",
	Syncfs:         "syncfs",
	SyncFileRange:  "sync_file_range",
	Fcntl:          "fcntl",
	Getdents:       "getdents",
	Lseek:          "lseek",
	Llseek:         "llseek",
	Mmap2:          "mmap2",
	Munmap:         "munmap",
	Mremap:         "mremap",
	Msync:          "msync",
	Chmod:          "chmod",
	Fchmod:         "fchmod",
	FchmodAt:       "fchmodat",
	Chown:          "chown",
	Chown16:        "chown16",
	Lchown:         "lchown",
	Lchown16:       "lchown16",
	Fchown:         "fchown",
	Fchown16:       "fchown16",
	FchownAt:       "fchownat",
	MetaExit:       "exit",
	MetaExitGroup:  "exit_group",
	MetaTimeline:   "timeline",
}

var codes = make(map[string]Code, len(names))

func init() {
	for code, name := range names {
		codes[name] = code
	}
}

// Lookup maps a trace operation name (e.g. "openat") to its Code.
func Lookup(name string) (code Code, ok bool) {
	code, ok = codes[name]
	return
}

// Valid reports whether code is one of the defined operations.
func Valid(code Code) bool {
	_, ok := names[code]
	return ok
}

func (code Code) String() string {
	name, ok := names[code]
	if !ok {
		return fmt.Sprintf("opcode(%d)", uint32(code))
	}
	return name
}

// Family returns the code of the first member of code's family, e.g. Read for
// Readlink.
func (code Code) Family() Code {
	if code.IsMeta() {
		return MetaExit
	}
	return (code / 10) * 10
}

// IsMeta reports whether code is a replay-internal operation rather than a
// system call.
func (code Code) IsMeta() bool {
	return (MetaExit <= code) && (code <= MetaTimeline)
}
