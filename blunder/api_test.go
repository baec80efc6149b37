// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestKinds(t *testing.T) {
	assert := assert.New(t)

	var err error

	assert.Equal(UnclassifiedError, Kind(err))
	assert.False(IsFiltered(err))
	assert.Equal(0, Errno(err))

	err = NewError(FilteredError, "line %d: missing mandatory field %s", 12, "pid")
	assert.True(IsFiltered(err))
	assert.False(IsFatal(err))
	assert.Equal("line 12: missing mandatory field pid", err.Error())
	assert.Equal(-1, Errno(err))

	err = AddError(fmt.Errorf("queue full"), ResourceError)
	assert.True(IsResource(err))

	err = AddError(err, FatalError)
	assert.True(IsFatal(err))
	assert.False(IsResource(err))

	err = AddError(nil, InjectedError)
	assert.True(Is(err, InjectedError))
	assert.Equal("injected error", err.Error())
}

func TestErrno(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(AddErrno(nil))

	err := AddErrno(unix.ENOENT)
	assert.Equal(int(unix.ENOENT), Errno(err))

	err = AddError(err, FatalError)
	assert.Equal(int(unix.ENOENT), Errno(err))
	assert.True(strings.Contains(ErrorString(err), "kind fatal"))

	err = AddErrno(fmt.Errorf("not a syscall failure"))
	assert.Equal(-1, Errno(err))
}

func TestStacktrace(t *testing.T) {
	assert := assert.New(t)

	err := NewError(FatalError, "replay file version mismatch")
	file, line := Location(err)
	assert.True(strings.HasSuffix(file, "api_test.go"))
	assert.NotEqual(0, line)
	assert.True(strings.Contains(Stacktrace(err), "TestStacktrace"))
	assert.True(strings.Contains(Details(err), "replay file version mismatch"))
}
