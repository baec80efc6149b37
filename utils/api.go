// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils holds small helpers shared by the ioreplay packages.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

var (
	fnNameRE  = regexp.MustCompile(`[^\/]*$`)
	pkgNameRE = regexp.MustCompile(`^[^.]*`)
	fnTailRE  = regexp.MustCompile(`[^.]*$`)
)

// GetGID returns the id of the calling goroutine. It is only ever used to
// decorate log entries.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// GetAFnName returns "package.function" of the caller level frames up.
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "unknown.unknown"
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return "unknown.unknown"
	}
	return fnNameRE.FindString(functionObject.Name())
}

// GetFuncPackage splits the caller's frame into function, package and goroutine id.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = pkgNameRE.FindString(funcPkg)
	fn = fnTailRE.FindString(funcPkg)
	gid = GetGID()

	return
}

// JSONify renders input as JSON, optionally indented. Failures are rendered
// inline rather than returned since the result only ever lands in a log.
func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err             error
		inputJSON       bytes.Buffer
		inputJSONPacked []byte
	)

	inputJSONPacked, err = json.Marshal(input)
	if nil != err {
		output = fmt.Sprintf("<<<json.Marshal failed: %v>>>", err)
		return
	}

	if !indentify {
		output = string(inputJSONPacked)
		return
	}

	err = json.Indent(&inputJSON, inputJSONPacked, "", "\t")
	if nil != err {
		output = fmt.Sprintf("<<<json.Indent failed: %v>>>", err)
		return
	}

	output = inputJSON.String()
	return
}

type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()
	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}
	return time.Since(sw.StartTime)
}

func (sw *Stopwatch) ElapsedMs() int64 {
	return int64(sw.Elapsed() / time.Millisecond)
}

// Sequence hands out 1, 2, 3, ... Each pipeline owns its own Sequences so
// that independent instances never share id spaces.
type Sequence struct {
	last uint64
}

func (seq *Sequence) Next() uint64 {
	return atomic.AddUint64(&seq.last, 1)
}

// Last returns the most recently issued value (0 if none).
func (seq *Sequence) Last() uint64 {
	return atomic.LoadUint64(&seq.last)
}
