// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program ioreplay turns captured I/O traces into .replay files, prepares the
// sandbox they run in and replays them.
//
// Every subcommand takes a .conf file followed by optional
// Section.Option=Value overrides:
//
//   ioreplay generate ioreplay.conf Generate.Name=mytest
//   ioreplay init     ioreplay.conf
//   ioreplay replay   ioreplay.conf Replay.SpeedFactor=2
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/conf"
	"github.com/NVIDIA/ioreplay/logger"
)

var rootCmd = &cobra.Command{
	Use:           "ioreplay",
	Short:         "Capture-driven filesystem I/O replay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConf reads args[0] and applies the overrides in args[1:], then starts
// logging from the result.
func loadConf(args []string) (confMap conf.ConfMap, err error) {
	if 0 == len(args) {
		err = fmt.Errorf("no .conf file specified")
		return
	}

	confMap, err = conf.MakeConfMapFromFile(args[0])
	if nil != err {
		err = fmt.Errorf("failed to load config: %v", err)
		return
	}

	err = confMap.UpdateFromStrings(args[1:])
	if nil != err {
		err = fmt.Errorf("failed to load config overrides: %v", err)
		return
	}

	err = logger.Up(confMap)
	return
}

// describeError is the one-line diagnostic printed before a non-zero exit.
// Fatal errors also name the place they were raised.
func describeError(err error) string {
	if !blunder.IsFatal(err) {
		return "ioreplay: " + err.Error()
	}
	file, line := blunder.Location(err)
	return fmt.Sprintf("ioreplay: %s at %s:%d", blunder.ErrorString(err), file, line)
}

func main() {
	err := rootCmd.Execute()
	if nil != err {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}
}
