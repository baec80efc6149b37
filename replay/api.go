// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package replay executes the body of a .replay file against the local
// filesystem.
//
// The body is partitioned across NumWorkers workers: a record belongs to the
// worker numbered vsize_id % NumWorkers, while META records are seen by all of
// them. Each worker reads the whole file, paces itself against the recorded
// timeline and hands its records to threads. A thread serves every path
// assigned to it in FIFO order, so operations on one path replay in trace
// order while distinct paths proceed in parallel.
//
// Open files are tracked in the shared table (package shm) indexed by virtual
// fd. Workers may be goroutines of the calling process or child processes
// started through Config.Spawn, in which case they map the same table file.
package replay

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/NVIDIA/ioreplay/conf"
	"github.com/NVIDIA/ioreplay/stats"
)

const (
	MultiThreaded  = "multi"
	SingleThreaded = "single"

	ProcessWorkers   = "process"
	GoroutineWorkers = "goroutine"
)

// Clock is the time source used for pacing.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Spawner returns the (not yet started) command running worker workerIndex,
// typically "ioreplay worker". Credentials are filled in by Run.
type Spawner func(workerIndex uint32) (cmd *exec.Cmd, err error)

type Config struct {
	ReplayFile string
	User       string // overrides the user recorded in the header

	NumWorkers          uint32
	MaxThreadsPerWorker uint64
	ThreadingMode       string // MultiThreaded or SingleThreaded
	WorkerMode          string // ProcessWorkers or GoroutineWorkers

	SpeedFactor float64 // 0 replays at recorded speed
	Unthrottled bool

	TaskQueueDepth     uint64
	QueueBackoff       time.Duration
	ThreadPollInterval time.Duration
	IdleInterval       time.Duration

	StatsInterval   time.Duration
	StatsFile       string // Prometheus textfile written at the end; "" for none
	SharedTableFile string // "" means ReplayFile + ".shm"

	Spawn Spawner `json:"-"` // required for ProcessWorkers
	Clock Clock   `json:"-"` // nil means the wall clock
}

func DefaultConfig() *Config {
	return &Config{
		NumWorkers:          4,
		MaxThreadsPerWorker: 128,
		ThreadingMode:       MultiThreaded,
		WorkerMode:          ProcessWorkers,
		TaskQueueDepth:      512,
		QueueBackoff:        time.Millisecond,
		ThreadPollInterval:  100 * time.Microsecond,
		IdleInterval:        time.Millisecond,
		StatsInterval:       3 * time.Second,
	}
}

// ConfigFromConfMap fills a Config from the [Replay] section. Only ReplayFile
// is required.
func ConfigFromConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config = DefaultConfig()

	config.ReplayFile, err = confMap.FetchOptionValueString("Replay", "ReplayFile")
	if nil != err {
		return
	}

	err = fetchString(confMap, "User", &config.User)
	if nil != err {
		return
	}

	if nil != confMap.VerifyOptionIsMissing("Replay", "NumWorkers") {
		config.NumWorkers, err = confMap.FetchOptionValueUint32("Replay", "NumWorkers")
		if nil != err {
			return
		}
	}
	if nil != confMap.VerifyOptionIsMissing("Replay", "MaxThreadsPerWorker") {
		config.MaxThreadsPerWorker, err = confMap.FetchOptionValueUint64("Replay", "MaxThreadsPerWorker")
		if nil != err {
			return
		}
	}
	err = fetchString(confMap, "ThreadingMode", &config.ThreadingMode)
	if nil != err {
		return
	}
	err = fetchString(confMap, "WorkerMode", &config.WorkerMode)
	if nil != err {
		return
	}

	if nil != confMap.VerifyOptionIsMissing("Replay", "SpeedFactor") {
		config.SpeedFactor, err = confMap.FetchOptionValueFloat64("Replay", "SpeedFactor")
		if nil != err {
			return
		}
	}
	if nil != confMap.VerifyOptionIsMissing("Replay", "Unthrottled") {
		config.Unthrottled, err = confMap.FetchOptionValueBool("Replay", "Unthrottled")
		if nil != err {
			return
		}
	}

	if nil != confMap.VerifyOptionIsMissing("Replay", "TaskQueueDepth") {
		config.TaskQueueDepth, err = confMap.FetchOptionValueUint64("Replay", "TaskQueueDepth")
		if nil != err {
			return
		}
	}
	err = fetchDuration(confMap, "QueueBackoff", &config.QueueBackoff)
	if nil != err {
		return
	}
	err = fetchDuration(confMap, "ThreadPollInterval", &config.ThreadPollInterval)
	if nil != err {
		return
	}
	err = fetchDuration(confMap, "IdleInterval", &config.IdleInterval)
	if nil != err {
		return
	}
	err = fetchDuration(confMap, "StatsInterval", &config.StatsInterval)
	if nil != err {
		return
	}

	err = fetchString(confMap, "StatsFile", &config.StatsFile)
	if nil != err {
		return
	}
	err = fetchString(confMap, "SharedTableFile", &config.SharedTableFile)
	if nil != err {
		return
	}

	err = config.validate()
	return
}

func fetchString(confMap conf.ConfMap, optionName string, s *string) (err error) {
	if nil == confMap.VerifyOptionIsMissing("Replay", optionName) {
		return nil
	}
	if nil == confMap.VerifyOptionValueIsEmpty("Replay", optionName) {
		*s = ""
		return nil
	}
	*s, err = confMap.FetchOptionValueString("Replay", optionName)
	return
}

func fetchDuration(confMap conf.ConfMap, optionName string, d *time.Duration) (err error) {
	if nil == confMap.VerifyOptionIsMissing("Replay", optionName) {
		return nil
	}
	*d, err = confMap.FetchOptionValueDuration("Replay", optionName)
	return
}

func (config *Config) validate() (err error) {
	switch {
	case "" == config.ReplayFile:
		err = fmt.Errorf("ReplayFile must be set")
	case 0 == config.NumWorkers:
		err = fmt.Errorf("NumWorkers must be > 0")
	case 0 == config.MaxThreadsPerWorker:
		err = fmt.Errorf("MaxThreadsPerWorker must be > 0")
	case (MultiThreaded != config.ThreadingMode) && (SingleThreaded != config.ThreadingMode):
		err = fmt.Errorf("ThreadingMode must be %q or %q, not %q", MultiThreaded, SingleThreaded, config.ThreadingMode)
	case (ProcessWorkers != config.WorkerMode) && (GoroutineWorkers != config.WorkerMode):
		err = fmt.Errorf("WorkerMode must be %q or %q, not %q", ProcessWorkers, GoroutineWorkers, config.WorkerMode)
	case 0 > config.SpeedFactor:
		err = fmt.Errorf("SpeedFactor must not be negative")
	case 0 == config.TaskQueueDepth:
		err = fmt.Errorf("TaskQueueDepth must be > 0")
	default:
		err = nil
	}
	return
}

// SharedTable returns the file backing the shared fd and stats table.
func (config *Config) SharedTable() string {
	if "" != config.SharedTableFile {
		return config.SharedTableFile
	}
	return config.ReplayFile + ".shm"
}

// Run replays config.ReplayFile with NumWorkers workers and returns the
// aggregated statistics.
func Run(config *Config) (report *stats.Report, err error) {
	var (
		c *controller
	)

	c, err = newController(config)
	if nil != err {
		return
	}

	report, err = c.run()
	return
}

// RunWorker is the body of a process-mode worker. The controlling process
// must already have created the shared table.
func RunWorker(config *Config, workerIndex uint32) (err error) {
	err = config.validate()
	if nil != err {
		return
	}

	err = runWorkerProcess(config, workerIndex)
	return
}
