// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package vsize estimates, for every distinct path a trace touches, whether it
// must exist before replay starts, whether it is a file or a directory, and
// which of its bytes must already be present.
//
// Classification is seeded once, on the first reference to a path, and is
// only ever refined toward more certainty afterwards. Sizes only grow.
//
// A Tracker is driven by the single generate writer goroutine and is not safe
// for concurrent use.
package vsize

import (
	"path"
	"strings"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/ioreplay/chainedmap"
	"github.com/NVIDIA/ioreplay/utils"
)

type VirtualSize struct {
	ID       uint64 // the virtual path id
	Path     string
	Required bool // must be created before replay
	IsDir    bool
	IsFile   bool
	Unsure   bool // IsFile is a guess; a later O_DIRECTORY open may flip it
	Renamed  bool // target of a rename; diagnostics only
	Updates  uint64

	depth  int
	reads  extent // bytes that must pre-exist
	writes extent // bytes the trace itself writes
}

type Config struct {
	HoleTolerance uint64 // holes smaller than this are filled rather than preserved
	MapSize       uint64 // buckets in the path map
	IDs           *utils.Sequence
}

type Tracker struct {
	config Config
	paths  *chainedmap.StringMap
	order  *btree.BTree // INIT emission order: shallower paths first
}

func New(config Config) (tracker *Tracker) {
	if 0 == config.MapSize {
		config.MapSize = 1 << 16
	}
	if nil == config.IDs {
		config.IDs = &utils.Sequence{}
	}

	tracker = &Tracker{
		config: config,
		paths:  chainedmap.NewStringMap(chainedmap.Config{Size: config.MapSize}),
		order:  btree.New(8),
	}

	return
}

// Less orders by depth, then path, so that every directory sorts before
// anything inside it.
func (v *VirtualSize) Less(than btree.Item) bool {
	other := than.(*VirtualSize)
	if v.depth != other.depth {
		return v.depth < other.depth
	}
	return v.Path < other.Path
}

func (v *VirtualSize) setFile() {
	v.IsFile = true
	v.IsDir = false
	v.Unsure = false
}

func (v *VirtualSize) setDir() {
	v.IsDir = true
	v.IsFile = false
	v.Unsure = false
}

// Len returns the number of distinct paths seen.
func (tracker *Tracker) Len() int {
	return tracker.paths.Len()
}

// Lookup returns the entry for p without creating one.
func (tracker *Tracker) Lookup(p string) (v *VirtualSize, ok bool) {
	var (
		value interface{}
	)

	value, ok = tracker.paths.Get(p)
	if ok {
		v = value.(*VirtualSize)
	}
	return
}

// Get returns the entry for p, creating an untouched one on first reference.
func (tracker *Tracker) Get(p string) (v *VirtualSize) {
	var (
		ok bool
	)

	v, ok = tracker.Lookup(p)
	if ok {
		return
	}

	v = &VirtualSize{
		ID:    tracker.config.IDs.Next(),
		Path:  p,
		depth: strings.Count(p, "/"),
	}
	v.reads.tolerance = tracker.config.HoleTolerance
	v.writes.tolerance = tracker.config.HoleTolerance

	tracker.paths.Insert(p, v)
	tracker.order.ReplaceOrInsert(v)

	return
}

// initParentDir makes sure the directory containing v is known. A new parent
// is required and a directory, as is every new ancestor above it. A parent
// previously only guessed to be a file is now known to be a directory.
func (tracker *Tracker) initParentDir(v *VirtualSize) {
	var (
		parent *VirtualSize
		ok     bool
	)

	parentPath := path.Dir(v.Path)
	if (parentPath == v.Path) || ("." == parentPath) || ("/" == parentPath) {
		return
	}

	parent, ok = tracker.Lookup(parentPath)
	if !ok {
		parent = tracker.Get(parentPath)
		parent.Required = true
		parent.setDir()
		parent.Updates++
		tracker.initParentDir(parent)
		return
	}

	if parent.Unsure {
		parent.setDir()
		parent.Updates++
	}
}

// Open records an open, openat or creat of v with the given open(2) flags.
func (tracker *Tracker) Open(v *VirtualSize, flags int) {
	if 0 == v.Updates {
		tracker.initParentDir(v)
		if 0 != (flags & unix.O_DIRECTORY) {
			v.Required = true
			v.setDir()
		} else if 0 == (flags & unix.O_CREAT) {
			v.Required = true
			v.setFile()
			v.Unsure = true
		}
		v.Updates++
		return
	}

	if v.Unsure && (0 != (flags & unix.O_DIRECTORY)) {
		v.setDir()
		v.Updates++
	}
}

func (tracker *Tracker) Close(v *VirtualSize) {
	v.Updates++
}

// Stat covers stat, lstat, fstatat, statfs and readlink.
func (tracker *Tracker) Stat(v *VirtualSize) {
	if 0 == v.Updates {
		tracker.initParentDir(v)
		v.Required = true
		v.setFile()
		v.Unsure = true
		v.Updates++
	}
}

func (tracker *Tracker) Rename(v *VirtualSize, v2 *VirtualSize) {
	if 0 == v.Updates {
		tracker.initParentDir(v)
		v.Required = true
		v.setFile()
		v.Unsure = true
		v.Updates++
	}

	if 0 == v2.Updates {
		tracker.initParentDir(v2)
		v2.setFile()
		v2.Unsure = true
		v2.Renamed = true
		v2.Updates++
	}
}

// Read records reading bytes at offset. Bytes an earlier write already
// produced need not pre-exist.
func (tracker *Tracker) Read(v *VirtualSize, offset uint64, bytes uint64) (err error) {
	var (
		covered bool
	)

	v.Updates++

	if 0 == bytes {
		err = nil
		return
	}

	covered, err = v.writes.covers(offset, offset+bytes)
	if (nil != err) || covered {
		return
	}

	err = v.reads.ensure(offset, bytes)
	if nil != err {
		return
	}

	v.Required = true
	if !v.IsDir {
		v.setFile()
	}

	err = nil
	return
}

func (tracker *Tracker) Write(v *VirtualSize, offset uint64, bytes uint64) (err error) {
	v.Updates++

	if 0 == bytes {
		err = nil
		return
	}

	err = v.writes.ensure(offset, bytes)
	return
}

// Seek only counts as a reference; the caller moves its own cursor and the
// following Read or Write drives size tracking.
func (tracker *Tracker) Seek(v *VirtualSize) {
	v.Updates++
}

func (tracker *Tracker) Mkdir(v *VirtualSize) {
	if 0 == v.Updates {
		tracker.initParentDir(v)
		v.setDir()
		v.Updates++
	}
}

func (tracker *Tracker) Rmdir(v *VirtualSize) {
	if 0 == v.Updates {
		tracker.initParentDir(v)
		v.Required = true
		v.setDir()
		v.Updates++
	}
}

func (tracker *Tracker) Unlink(v *VirtualSize) {
	if 0 == v.Updates {
		tracker.initParentDir(v)
		v.Required = true
		if !v.IsDir {
			v.setFile()
			v.Unsure = true
		}
		v.Updates++
	}
}
