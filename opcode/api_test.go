// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package opcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumbering(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(Code(0), Fstat)
	assert.Equal(Code(7), Statfs64)
	assert.Equal(Code(15), ReadlinkAt)
	assert.Equal(Code(21), Writev)
	assert.Equal(Code(36), OpenByHandleAt)
	assert.Equal(Code(42), RenameAt2)
	assert.Equal(Code(53), Rmdir)
	assert.Equal(Code(64), SyncFileRange)
	assert.Equal(Code(73), Llseek)
	assert.Equal(Code(83), Msync)
	assert.Equal(Code(102), FchmodAt)
	assert.Equal(Code(116), FchownAt)
	assert.Equal(Code(901), MetaExitGroup)
}

func TestLookup(t *testing.T) {
	assert := assert.New(t)

	code, ok := Lookup("openat")
	assert.True(ok)
	assert.Equal(OpenAt, code)
	assert.Equal("openat", code.String())

	code, ok = Lookup("exit_group")
	assert.True(ok)
	assert.Equal(MetaExitGroup, code)
	assert.True(code.IsMeta())

	_, ok = Lookup("ioctl")
	assert.False(ok)

	assert.Equal("opcode(99)", Code(99).String())
	assert.False(Valid(Code(99)))
	assert.True(Valid(Lseek))

	for code, name := range names {
		looked, ok := Lookup(name)
		assert.True(ok, name)
		assert.Equal(code, looked)
	}
}

func TestFamily(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(Read, Readlink.Family())
	assert.Equal(Open, Mkdir.Family())
	assert.Equal(Chown, FchownAt.Family())
	assert.Equal(MetaExit, MetaTimeline.Family())
	assert.False(Close.IsMeta())
	assert.True(MetaTimeline.IsMeta())
	assert.False(Code(903).IsMeta())
	assert.False(Code(950).IsMeta())
	assert.False(Valid(Code(950)))
}
