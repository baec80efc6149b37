// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package meta reads and writes the header line of a .replay file.
//
// The header is not known until the whole trace has been processed, so a
// fixed-width placeholder line of '#' bytes is written first and patched in
// place at the end. A .replay file whose first line is still the placeholder
// was never completed.
package meta

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/NVIDIA/ioreplay/blunder"
)

const (
	Version = 2

	// LineSize is the width of the header line, excluding its newline.
	LineSize = 255

	// InitMarker starts the INIT section.
	InitMarker = "#INIT"
)

type Header struct {
	Version       uint64
	InitOffset    uint64 // byte offset of the first record after InitMarker
	User          string
	Name          string
	NumVSizes     uint64
	NumMappedPids uint64
	NumMappedFds  uint64
	NumLines      uint64 // body records
}

// Placeholder returns the line reserved for the header.
func Placeholder() []byte {
	line := make([]byte, LineSize+1)
	for i := 0; i < LineSize; i++ {
		line[i] = '#'
	}
	line[LineSize] = '\n'
	return line
}

// Encode renders h padded with '#' to LineSize bytes plus a newline.
func (h *Header) Encode() (line []byte, err error) {
	var (
		b strings.Builder
	)

	fmt.Fprintf(&b, "#|replay_version=%d|init_offset=%d|user=%s|name=%s|num_vsizes=%d|num_mapped_pids=%d|num_mapped_fds=%d|num_lines=%d|",
		h.Version, h.InitOffset, h.User, h.Name, h.NumVSizes, h.NumMappedPids, h.NumMappedFds, h.NumLines)

	if b.Len() > LineSize {
		err = blunder.NewError(blunder.FatalError, "meta header needs %d bytes, only %d reserved", b.Len(), LineSize)
		return
	}

	line = Placeholder()
	copy(line, b.String())

	err = nil
	return
}

// Patch overwrites the placeholder at the start of w with h.
func Patch(w io.WriterAt, h *Header) (err error) {
	var (
		line []byte
	)

	line, err = h.Encode()
	if nil != err {
		return
	}

	_, err = w.WriteAt(line, 0)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
	}
	return
}

// Parse decodes a header line. A missing or different replay_version is fatal.
func Parse(line string) (h *Header, err error) {
	var (
		field string
		key   string
		seen  = make(map[string]bool)
		value string
	)

	line = strings.TrimRight(line, "#\n")
	if !strings.HasPrefix(line, "#|") {
		err = blunder.NewError(blunder.FatalError, "replay file has no meta header (incomplete generate run?)")
		return
	}

	h = &Header{}

	for _, field = range strings.Split(line[2:], "|") {
		if "" == field {
			continue
		}
		equals := strings.IndexByte(field, '=')
		if 0 >= equals {
			err = blunder.NewError(blunder.FatalError, "malformed meta header field %q", field)
			return
		}
		key = field[:equals]
		value = field[equals+1:]
		seen[key] = true

		switch key {
		case "user":
			h.User = value
		case "name":
			h.Name = value
		case "replay_version":
			err = parseUint(key, value, &h.Version)
		case "init_offset":
			err = parseUint(key, value, &h.InitOffset)
		case "num_vsizes":
			err = parseUint(key, value, &h.NumVSizes)
		case "num_mapped_pids":
			err = parseUint(key, value, &h.NumMappedPids)
		case "num_mapped_fds":
			err = parseUint(key, value, &h.NumMappedFds)
		case "num_lines":
			err = parseUint(key, value, &h.NumLines)
		default:
			// newer writers may add fields
		}
		if nil != err {
			return
		}
	}

	if !seen["replay_version"] {
		err = blunder.NewError(blunder.FatalError, "meta header lacks replay_version")
		return
	}
	if Version != h.Version {
		err = blunder.NewError(blunder.FatalError, "replay file version %d, expected %d; regenerate it", h.Version, Version)
		return
	}

	err = nil
	return
}

func parseUint(key string, value string, u64 *uint64) (err error) {
	*u64, err = strconv.ParseUint(value, 10, 64)
	if nil != err {
		err = blunder.NewError(blunder.FatalError, "meta header field %s=%q is not a number", key, value)
	}
	return
}

// Read decodes the header from the first line of r.
func Read(r io.Reader) (h *Header, err error) {
	var (
		line string
	)

	line, err = bufio.NewReaderSize(r, LineSize+1).ReadString('\n')
	if nil != err {
		err = blunder.NewError(blunder.FatalError, "cannot read meta header: %v", err)
		return
	}

	h, err = Parse(line)
	return
}
