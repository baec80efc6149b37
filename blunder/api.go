// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to classify errors by how the pipeline reacts to
// them, while still using a third-party error package.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   merry provides the ability to annotate any error with a stacktrace and
//   with arbitrary key/value pairs. We use two keys: "kind" carries an
//   ErrorKind and "errno" carries the unix errno of a failed system call.
//
// Errors of each kind are handled differently:
//   FilteredError: one trace line failed validation; it is counted and dropped
//   ResourceError: a bounded queue or pool is momentarily full; retried
//   FatalError:    a structural precondition failed; the process aborts
//   InjectedError: a missing close was compensated by a synthetic one
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/ioreplay/logger"
)

type ErrorKind int

const (
	UnclassifiedError ErrorKind = iota
	FilteredError
	ResourceError
	FatalError
	InjectedError
)

const (
	kindKey  = "kind"
	errnoKey = "errno"

	successErrno = 0
	failureErrno = -1
)

func (kind ErrorKind) String() string {
	switch kind {
	case FilteredError:
		return "filtered"
	case ResourceError:
		return "resource"
	case FatalError:
		return "fatal"
	case InjectedError:
		return "injected"
	default:
		return "unclassified"
	}
}

// NewError returns a new error of the given kind, with a stacktrace captured
// at the caller.
func NewError(kind ErrorKind, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(kindKey, kind)
}

// AddError classifies e. A nil e yields a bare error of that kind.
func AddError(e error, kind ErrorKind) error {
	if nil == e {
		return merry.New(kind.String() + " error").WithValue(kindKey, kind)
	}

	prevKind := Kind(e)
	if (UnclassifiedError != prevKind) && (kind != prevKind) {
		logger.Warnf("reclassifying %v error as %v: %v", prevKind, kind, e)
	}

	return merry.WrapSkipping(e, 1).WithValue(kindKey, kind)
}

// AddErrno attaches the errno of a failed system call. Non-errno errors get
// failureErrno.
func AddErrno(e error) error {
	var (
		errno unix.Errno
		ok    bool
	)

	if nil == e {
		return nil
	}

	errno, ok = merry.Unwrap(e).(unix.Errno)
	if !ok {
		return merry.WrapSkipping(e, 1).WithValue(errnoKey, failureErrno)
	}

	return merry.WrapSkipping(e, 1).WithValue(errnoKey, int(errno))
}

// Kind returns the classification of e; UnclassifiedError if none was added.
func Kind(e error) ErrorKind {
	if nil == e {
		return UnclassifiedError
	}

	tmp := merry.Value(e, kindKey)
	if nil == tmp {
		return UnclassifiedError
	}

	return tmp.(ErrorKind)
}

func Is(e error, kind ErrorKind) bool {
	return (nil != e) && (Kind(e) == kind)
}

func IsFiltered(e error) bool {
	return Is(e, FilteredError)
}

func IsResource(e error) bool {
	return Is(e, ResourceError)
}

func IsFatal(e error) bool {
	return Is(e, FatalError)
}

// Errno returns the errno recorded by AddErrno, 0 for a nil error and -1
// otherwise.
func Errno(e error) int {
	if nil == e {
		return successErrno
	}

	tmp := merry.Value(e, errnoKey)
	if nil == tmp {
		return failureErrno
	}

	return tmp.(int)
}

func ErrorString(e error) string {
	if nil == e {
		return ""
	}

	return fmt.Sprintf("%s (kind %v errno %d)", e.Error(), Kind(e), Errno(e))
}

func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

func Details(e error) string {
	return merry.Details(e)
}

func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
