// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/ioreplay/conf"
)

// multiWriter fans each formatted entry out to every registered writer. A
// failing target does not stop the others.
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) clear() {
	mw.Lock()
	mw.writers = nil
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, w := range mw.writers {
		n, err = w.Write(p)
		if (nil != err) || (n != len(p)) {
			fmt.Fprintf(os.Stderr, "logger: write to log target failed: n %d err %v\n", n, err)
		}
	}

	return len(p), nil
}

var (
	logFile    *os.File
	logTargets multiWriter
)

func init() {
	log.SetFormatter(&log.TextFormatter{DisableColors: true, TimestampFormat: "2006-01-02T15:04:05.000000Z07:00"})
	log.SetLevel(log.DebugLevel)
	logTargets.addWriter(os.Stderr)
	log.SetOutput(&logTargets)
}

func addLogTarget(writer io.Writer) {
	logTargets.addWriter(writer)
}

// Up configures logging from the [Logging] section. A missing section leaves
// logging going to stderr only.
func Up(confMap conf.ConfMap) (err error) {
	var (
		debugConfSlice []string
		logFilePath    string
		logToConsole   bool
		traceConfSlice []string
	)

	logFilePath, err = confMap.FetchOptionValueString("Logging", "LogFilePath")
	if nil != err {
		logFilePath = ""
	}
	logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = ("" == logFilePath)
	}

	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if nil != err {
			err = fmt.Errorf("logger.Up(): unable to open LogFilePath %s: %v", logFilePath, err)
			return
		}
	}

	logTargets.clear()
	if nil != logFile {
		logTargets.addWriter(logFile)
	}
	if logToConsole {
		logTargets.addWriter(os.Stderr)
	}

	traceConfSlice, err = confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	if nil != err {
		traceConfSlice = []string{"none"}
	}
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, err = confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	if nil != err {
		debugConfSlice = []string{"none"}
	}
	setDebugLoggingLevel(debugConfSlice)

	Infof("logger is starting up (file %q console %v)", logFilePath, logToConsole)

	err = nil
	return
}

// Down closes the log file, if any, and reverts to stderr.
func Down() (err error) {
	Infof("logger is shutting down")

	logTargets.clear()
	logTargets.addWriter(os.Stderr)

	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}

	return
}

// SetExitFunc replaces the function logrus calls after a Fatal entry. Tests
// use it to observe fatal paths without exiting.
func SetExitFunc(exitFunc func(int)) {
	log.StandardLogger().ExitFunc = exitFunc
}
