// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package initfs prepares a filesystem for replay: it creates every directory
// and file range listed in the INIT section of a .replay file.
package initfs

import (
	"time"

	"github.com/NVIDIA/ioreplay/conf"
	"github.com/NVIDIA/ioreplay/mounts"
)

type Config struct {
	ReplayFile string
	User       string // overrides the user recorded in the header
	NumThreads uint64

	Mounts               *mounts.Table // if nil, loaded from MountTableFile
	MountTableFile       string
	SupportedFileSystems []string
	ExtraMountPoints     []string
	SandboxDir           string

	// Trash moves the sandboxes of an earlier run to <mount>/<SandboxDir>/.trash
	// instead of reusing them.
	Trash bool
}

type Stats struct {
	Records      uint64
	Skipped      uint64 // neither file nor directory
	DirsCreated  uint64
	FilesCreated uint64
	BytesWritten uint64
	Trashed      uint64
	Elapsed      time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		NumThreads:           8,
		MountTableFile:       "/proc/mounts",
		SupportedFileSystems: mounts.DefaultFileSystems,
		SandboxDir:           ".ioreplay",
		Trash:                true,
	}
}

// ConfigFromConfMap fills a Config from the [Init] section. ReplayFile is
// required.
func ConfigFromConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config = DefaultConfig()

	config.ReplayFile, err = confMap.FetchOptionValueString("Init", "ReplayFile")
	if nil != err {
		return
	}

	if (nil != confMap.VerifyOptionIsMissing("Init", "User")) && (nil != confMap.VerifyOptionValueIsEmpty("Init", "User")) {
		config.User, err = confMap.FetchOptionValueString("Init", "User")
		if nil != err {
			return
		}
	}
	if nil != confMap.VerifyOptionIsMissing("Init", "NumThreads") {
		config.NumThreads, err = confMap.FetchOptionValueUint64("Init", "NumThreads")
		if nil != err {
			return
		}
	}
	if nil != confMap.VerifyOptionIsMissing("Init", "MountTableFile") {
		config.MountTableFile, err = confMap.FetchOptionValueString("Init", "MountTableFile")
		if nil != err {
			return
		}
	}
	if nil != confMap.VerifyOptionIsMissing("Init", "SupportedFileSystems") {
		config.SupportedFileSystems, err = confMap.FetchOptionValueStringSlice("Init", "SupportedFileSystems")
		if nil != err {
			return
		}
	}
	if nil != confMap.VerifyOptionIsMissing("Init", "ExtraMountPoints") {
		config.ExtraMountPoints, err = confMap.FetchOptionValueStringSlice("Init", "ExtraMountPoints")
		if nil != err {
			return
		}
	}
	if nil != confMap.VerifyOptionIsMissing("Init", "SandboxDir") {
		config.SandboxDir, err = confMap.FetchOptionValueString("Init", "SandboxDir")
		if nil != err {
			return
		}
	}
	if nil != confMap.VerifyOptionIsMissing("Init", "Trash") {
		config.Trash, err = confMap.FetchOptionValueBool("Init", "Trash")
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// Run creates everything the INIT section of config.ReplayFile lists.
func Run(config *Config) (stats *Stats, err error) {
	var (
		i *initializer
	)

	i, err = newInitializer(config)
	if nil != err {
		return
	}

	stats, err = i.run()
	return
}
