// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, goroutine and pid to all logs.
//
// Logging of trace and debug logs are enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/ioreplay/utils"
)

type Level int

const (
	// PanicLevel corresponds to logrus.PanicLevel
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; logrus logs then calls os.Exit(1)
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel

	// TraceLevel logs are emitted (at logrus.InfoLevel) only for packages
	// named in [Logging]TraceLevelLogging
	TraceLevel

	// DebugLevel logs are emitted (at logrus.DebugLevel) only for packages
	// named in [Logging]DebugLevelLogging
	DebugLevel
)

const (
	packageKey  string = "package"
	functionKey string = "function"
	errorKey    string = "error"
	gidKey      string = "goroutine"
	pidKey      string = "pid"
)

var (
	settingsLock      sync.RWMutex
	traceLevelEnabled = false
	debugLevelEnabled = false
)

// packageTraceSettings and packageDebugSettings list every package that may
// have trace or debug logging enabled via the .conf file.
var packageTraceSettings = map[string]bool{
	"chainedmap": false,
	"generate":   false,
	"initfs":     false,
	"logger":     false,
	"mounts":     false,
	"replay":     false,
	"shm":        false,
	"stats":      false,
	"tpool":      false,
	"vsize":      false,
}

var packageDebugSettings = map[string]bool{
	"generate": false,
	"initfs":   false,
	"logger":   false,
	"replay":   false,
	"vsize":    false,
}

func setLevelSettings(confStrSlice []string, settings map[string]bool) (anyEnabled bool) {
	settingsLock.Lock()
	defer settingsLock.Unlock()

	for pkg := range settings {
		settings[pkg] = false
	}

	for _, pkg := range confStrSlice {
		if "none" == pkg {
			for pkg = range settings {
				settings[pkg] = false
			}
			anyEnabled = false
			return
		}
		if _, ok := settings[pkg]; ok {
			settings[pkg] = true
			anyEnabled = true
		}
	}

	return
}

func setTraceLoggingLevel(confStrSlice []string) {
	traceLevelEnabled = setLevelSettings(confStrSlice, packageTraceSettings)
	if traceLevelEnabled {
		Infof("trace logging enabled for: %s", strings.Join(confStrSlice, ","))
	}
}

func setDebugLoggingLevel(confStrSlice []string) {
	debugLevelEnabled = setLevelSettings(confStrSlice, packageDebugSettings)
	if debugLevelEnabled {
		Infof("debug logging enabled for: %s", strings.Join(confStrSlice, ","))
	}
}

func packageEnabled(pkg string, settings map[string]bool) bool {
	settingsLock.RLock()
	defer settingsLock.RUnlock()
	return settings[pkg]
}

// FuncCtx saves the fields common to all log calls made from one function.
type FuncCtx struct {
	funcContext *log.Entry
}

func newLogEntry(level int) *log.Entry {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid
	fields[pidKey] = os.Getpid()

	return log.WithFields(fields)
}

func (ctx *FuncCtx) getPackage() string {
	pkg, _ := ctx.funcContext.Data[packageKey].(string)
	return pkg
}

func logEnabled(level Level) bool {
	switch level {
	case TraceLevel:
		return traceLevelEnabled
	case DebugLevel:
		return debugLevelEnabled
	default:
		return true
	}
}

// log is the common low-level logging function of this package. It is not
// declared with a pointer receiver, following logrus.entry.go.
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	switch level {
	case TraceLevel:
		if !packageEnabled(ctx.getPackage(), packageTraceSettings) {
			return
		}
		ctx.funcContext.Info(args...)
	case DebugLevel:
		if !packageEnabled(ctx.getPackage(), packageDebugSettings) {
			return
		}
		ctx.funcContext.Debug(args...)
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	default:
		ctx.funcContext.Info(args...)
	}
}

func logf(level Level, format string, args ...interface{}) {
	if !logEnabled(level) {
		return
	}
	ctx := FuncCtx{funcContext: newLogEntry(2)}
	ctx.log(level, fmt.Sprintf(format, args...))
}

func logfWithError(level Level, err error, format string, args ...interface{}) {
	if !logEnabled(level) {
		return
	}
	ctx := FuncCtx{funcContext: newLogEntry(2).WithField(errorKey, err)}
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	logf(InfoLevel, format, args...)
}

func Warnf(format string, args ...interface{}) {
	logf(WarnLevel, format, args...)
}

func Errorf(format string, args ...interface{}) {
	logf(ErrorLevel, format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logf(FatalLevel, format, args...)
}

func Tracef(format string, args ...interface{}) {
	logf(TraceLevel, format, args...)
}

func Debugf(format string, args ...interface{}) {
	logf(DebugLevel, format, args...)
}

func WarnfWithError(err error, format string, args ...interface{}) {
	logfWithError(WarnLevel, err, format, args...)
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	logfWithError(ErrorLevel, err, format, args...)
}

func FatalfWithError(err error, format string, args ...interface{}) {
	logfWithError(FatalLevel, err, format, args...)
}

// TraceEnter logs function entry and returns a context for the matching
// (usually deferred) TraceExit.
func TraceEnter(argsPrefix string, args ...interface{}) (ctx FuncCtx) {
	if !logEnabled(TraceLevel) {
		return
	}
	ctx.funcContext = newLogEntry(1)
	ctx.log(TraceLevel, traceString(">> called", argsPrefix, args...))
	return
}

func (ctx *FuncCtx) TraceExit(argsPrefix string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	if nil == ctx.funcContext {
		ctx.funcContext = newLogEntry(1)
	}
	ctx.log(TraceLevel, traceString("<< returning", argsPrefix, args...))
}

func traceString(formatPrefix string, argsPrefix string, args ...interface{}) string {
	var b strings.Builder

	b.WriteString(formatPrefix)
	b.WriteString(" ")
	b.WriteString(argsPrefix)
	for _, arg := range args {
		fmt.Fprintf(&b, " %+v", arg)
	}

	return b.String()
}

// AddLogTarget adds another destination for log entries. writer is called
// once per entry.
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogTarget captures the most recent log entries. Used by tests.
type LogTarget struct {
	sync.Mutex
	LogEntries   []string // most recent entry is [0]
	TotalEntries int
}

// NewLogTarget returns a LogTarget holding up to nEntry entries.
func NewLogTarget(nEntry int) *LogTarget {
	return &LogTarget{LogEntries: make([]string, nEntry)}
}

func (target *LogTarget) Write(p []byte) (n int, err error) {
	target.Lock()
	defer target.Unlock()

	for i := len(target.LogEntries) - 1; i > 0; i-- {
		target.LogEntries[i] = target.LogEntries[i-1]
	}
	if 0 < len(target.LogEntries) {
		target.LogEntries[0] = strings.TrimRight(string(p), "\n")
	}
	target.TotalEntries++

	return len(p), nil
}

// Contains reports whether any captured entry includes substr.
func (target *LogTarget) Contains(substr string) bool {
	target.Lock()
	defer target.Unlock()

	for _, entry := range target.LogEntries {
		if strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}
