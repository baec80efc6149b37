// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package generate turns a captured trace into a .replay file.
//
// Three goroutines cooperate, connected by ring queues:
//
//   reader: reads capture lines into recycled task objects
//   parser: tokenizes a line, validates it and rewrites its paths
//   writer: maps pids and fds, feeds the vsize tracker and appends records
//
// The .replay file is laid out as
//
//   <meta header placeholder, patched last>
//   <body records, one per replayed operation>
//   #INIT
//   <init records, one per path or byte range to pre-create>
package generate

import (
	"fmt"
	"strings"
	"time"

	"github.com/NVIDIA/ioreplay/conf"
	"github.com/NVIDIA/ioreplay/mounts"
)

const (
	// DefaultDelimiter separates the key=value tokens of a capture line.
	DefaultDelimiter = ";:,"

	// fallbackDelimiter is used for lines that lack DefaultDelimiter.
	fallbackDelimiter = ";"
)

type Config struct {
	CaptureFile string // a ".lz4" suffix selects lz4 decompression
	ReplayFile  string
	Name        string // test name; part of every rewritten path
	User        string // recorded in the header; replay runs as this user

	Delimiter     string
	MaxLineLength uint64
	MaxTokens     uint64

	ParserQueueDepth uint64
	WriterQueueDepth uint64
	TaskPoolSize     uint64
	QueueBackoff     time.Duration

	HoleTolerance uint64

	Mounts               *mounts.Table // if nil, loaded from MountTableFile
	MountTableFile       string
	SupportedFileSystems []string
	ExtraMountPoints     []string
	IgnorePrefixes       []string
	SandboxDir           string

	LogFiltered       bool // keep filtered lines in the body as comments
	CheckDependencies bool // report operations whose predecessor replays on another thread
}

// Stats summarizes a generate run.
type Stats struct {
	Lines         uint64
	Comments      uint64
	Filtered      uint64
	Records       uint64
	InjectedClose uint64
	VSizes        uint64
	MappedPids    uint64
	MappedFds     uint64
	InitRecords   uint64
	InitOffset    uint64
	CrossPathDeps uint64
}

// FilteredPercent is the share of non-comment lines that were dropped.
func (stats *Stats) FilteredPercent() float64 {
	if stats.Lines <= stats.Comments {
		return 0
	}
	return 100.0 * float64(stats.Filtered) / float64(stats.Lines-stats.Comments)
}

// DefaultConfig returns the settings used when the conf file names nothing
// else.
func DefaultConfig() *Config {
	return &Config{
		Delimiter:            DefaultDelimiter,
		MaxLineLength:        8192,
		MaxTokens:            10,
		ParserQueueDepth:     1024,
		WriterQueueDepth:     1024,
		TaskPoolSize:         1024,
		QueueBackoff:         100 * time.Microsecond,
		HoleTolerance:        10 * 1024 * 1024,
		MountTableFile:       "/proc/mounts",
		SupportedFileSystems: mounts.DefaultFileSystems,
		SandboxDir:           ".ioreplay",
	}
}

// ConfigFromConfMap fills a Config from the [Generate] section. Options that
// are absent keep their DefaultConfig value.
func ConfigFromConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config = DefaultConfig()

	config.CaptureFile, err = confMap.FetchOptionValueString("Generate", "CaptureFile")
	if nil != err {
		return
	}
	config.ReplayFile, err = confMap.FetchOptionValueString("Generate", "ReplayFile")
	if nil != err {
		return
	}
	config.Name, err = confMap.FetchOptionValueString("Generate", "Name")
	if nil != err {
		return
	}
	if strings.ContainsAny(config.Name, "/|") {
		err = fmt.Errorf("[Generate]Name %q must not contain '/' or '|'", config.Name)
		return
	}

	if (nil != confMap.VerifyOptionIsMissing("Generate", "User")) && (nil != confMap.VerifyOptionValueIsEmpty("Generate", "User")) {
		config.User, err = confMap.FetchOptionValueString("Generate", "User")
		if nil != err {
			return
		}
	}

	err = fetchUint64(confMap, "MaxLineLength", &config.MaxLineLength)
	if nil != err {
		return
	}
	err = fetchUint64(confMap, "MaxTokens", &config.MaxTokens)
	if nil != err {
		return
	}
	err = fetchUint64(confMap, "ParserQueueDepth", &config.ParserQueueDepth)
	if nil != err {
		return
	}
	err = fetchUint64(confMap, "WriterQueueDepth", &config.WriterQueueDepth)
	if nil != err {
		return
	}
	err = fetchUint64(confMap, "TaskPoolSize", &config.TaskPoolSize)
	if nil != err {
		return
	}

	if nil != confMap.VerifyOptionIsMissing("Generate", "QueueBackoff") {
		config.QueueBackoff, err = confMap.FetchOptionValueDuration("Generate", "QueueBackoff")
		if nil != err {
			return
		}
	}
	if nil != confMap.VerifyOptionIsMissing("Generate", "HoleTolerance") {
		config.HoleTolerance, err = confMap.FetchOptionValueBytes("Generate", "HoleTolerance")
		if nil != err {
			return
		}
	}

	if nil != confMap.VerifyOptionIsMissing("Generate", "MountTableFile") {
		config.MountTableFile, err = confMap.FetchOptionValueString("Generate", "MountTableFile")
		if nil != err {
			return
		}
	}
	err = fetchStringSlice(confMap, "SupportedFileSystems", &config.SupportedFileSystems)
	if nil != err {
		return
	}
	err = fetchStringSlice(confMap, "ExtraMountPoints", &config.ExtraMountPoints)
	if nil != err {
		return
	}
	err = fetchStringSlice(confMap, "IgnorePrefixes", &config.IgnorePrefixes)
	if nil != err {
		return
	}
	if nil != confMap.VerifyOptionIsMissing("Generate", "SandboxDir") {
		config.SandboxDir, err = confMap.FetchOptionValueString("Generate", "SandboxDir")
		if nil != err {
			return
		}
	}

	err = fetchBool(confMap, "LogFiltered", &config.LogFiltered)
	if nil != err {
		return
	}
	err = fetchBool(confMap, "CheckDependencies", &config.CheckDependencies)
	if nil != err {
		return
	}

	err = nil
	return
}

func fetchUint64(confMap conf.ConfMap, optionName string, u64 *uint64) (err error) {
	if nil == confMap.VerifyOptionIsMissing("Generate", optionName) {
		return nil
	}
	*u64, err = confMap.FetchOptionValueUint64("Generate", optionName)
	return
}

func fetchBool(confMap conf.ConfMap, optionName string, b *bool) (err error) {
	if nil == confMap.VerifyOptionIsMissing("Generate", optionName) {
		return nil
	}
	*b, err = confMap.FetchOptionValueBool("Generate", optionName)
	return
}

func fetchStringSlice(confMap conf.ConfMap, optionName string, slice *[]string) (err error) {
	if nil == confMap.VerifyOptionIsMissing("Generate", optionName) {
		return nil
	}
	*slice, err = confMap.FetchOptionValueStringSlice("Generate", optionName)
	return
}

// Run generates config.ReplayFile from config.CaptureFile.
func Run(config *Config) (stats *Stats, err error) {
	var (
		g *generator
	)

	g, err = newGenerator(config)
	if nil != err {
		return
	}

	stats, err = g.run()
	return
}
