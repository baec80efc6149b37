// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"os/signal"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/ioreplay/conf"
	"github.com/NVIDIA/ioreplay/generate"
	"github.com/NVIDIA/ioreplay/initfs"
	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/replay"
)

var workerIndex uint32

var generateCmd = &cobra.Command{
	Use:   "generate <conf file> [Section.Option=Value ...]",
	Short: "Convert a capture file into a .replay file",
	Args:  cobra.MinimumNArgs(1),
	RunE:  generateRunE,
}

var initCmd = &cobra.Command{
	Use:   "init <conf file> [Section.Option=Value ...]",
	Short: "Create the files and directories a .replay file expects",
	Args:  cobra.MinimumNArgs(1),
	RunE:  initRunE,
}

var replayCmd = &cobra.Command{
	Use:   "replay <conf file> [Section.Option=Value ...]",
	Short: "Replay a .replay file against its sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE:  replayRunE,
}

// workerCmd is what replayCmd spawns in process mode.
var workerCmd = &cobra.Command{
	Use:    "worker <conf file> [Section.Option=Value ...]",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	RunE:   workerRunE,
}

func init() {
	workerCmd.Flags().Uint32Var(&workerIndex, "index", 0, "index of this worker")

	rootCmd.AddCommand(generateCmd, initCmd, replayCmd, workerCmd)
}

// handleSignals runs cleanup and exits on SIGINT or SIGTERM. SIGHUP is
// logged and otherwise ignored.
func handleSignals(cleanup func()) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	go func() {
		for sig := range signalChan {
			if unix.SIGHUP == sig {
				logger.Infof("ignoring %v", sig)
				continue
			}
			logger.Warnf("received %v, exiting", sig)
			cleanup()
			os.Exit(1)
		}
	}()
}

func generateRunE(cmd *cobra.Command, args []string) (err error) {
	confMap, err := loadConf(args)
	if nil != err {
		return
	}

	config, err := generate.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}

	handleSignals(func() { _ = os.Remove(config.ReplayFile) })

	stats, err := generate.Run(config)
	if nil != err {
		return
	}

	fmt.Printf("%s: %s lines, %s records, %.2f%% filtered, %s paths, %s init records\n",
		config.ReplayFile, humanize.Comma(int64(stats.Lines)), humanize.Comma(int64(stats.Records)),
		stats.FilteredPercent(), humanize.Comma(int64(stats.VSizes)), humanize.Comma(int64(stats.InitRecords)))
	return
}

func initRunE(cmd *cobra.Command, args []string) (err error) {
	confMap, err := loadConf(args)
	if nil != err {
		return
	}

	config, err := initfs.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}

	handleSignals(func() {})

	stats, err := initfs.Run(config)
	if nil != err {
		return
	}

	fmt.Printf("%s: %s dirs, %s files, %s written in %v\n",
		config.ReplayFile, humanize.Comma(int64(stats.DirsCreated)), humanize.Comma(int64(stats.FilesCreated)),
		humanize.IBytes(stats.BytesWritten), stats.Elapsed)
	return
}

// spawner re-executes this program as "worker --index N" against a dump of
// confMap, so that every worker sees the overrides given on the command line.
func spawner(confFile string) (spawn replay.Spawner, err error) {
	self, err := os.Executable()
	if nil != err {
		return
	}

	spawn = func(index uint32) (cmd *exec.Cmd, err error) {
		cmd = exec.Command(self, "worker", "--index", strconv.FormatUint(uint64(index), 10), confFile)
		err = nil
		return
	}
	return
}

func replayRunE(cmd *cobra.Command, args []string) (err error) {
	var (
		confFile string
	)

	confMap, err := loadConf(args)
	if nil != err {
		return
	}

	config, err := replay.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}

	if replay.ProcessWorkers == config.WorkerMode {
		confFile, err = dumpConf(confMap)
		if nil != err {
			return
		}
		defer os.Remove(confFile)

		config.Spawn, err = spawner(confFile)
		if nil != err {
			return
		}
	}

	handleSignals(func() {
		_ = os.Remove(config.SharedTable())
		if "" != confFile {
			_ = os.Remove(confFile)
		}
	})

	report, err := replay.Run(config)
	if nil != err {
		return
	}

	fmt.Printf("%s: %s operations (%s failed) in %v, %.1f ops/s\n",
		report.Name, humanize.Comma(int64(report.Total.Operations)), humanize.Comma(int64(report.Total.Failures)),
		report.Elapsed, report.OpsPerSecond())
	return
}

func workerRunE(cmd *cobra.Command, args []string) (err error) {
	confMap, err := loadConf(args)
	if nil != err {
		return
	}

	config, err := replay.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}

	err = replay.RunWorker(config, workerIndex)
	return
}

// dumpConf writes confMap to a temporary file readable by the workers, which
// may run as a different user.
func dumpConf(confMap conf.ConfMap) (confFile string, err error) {
	file, err := ioutil.TempFile("", "ioreplay.*.conf")
	if nil != err {
		return
	}
	confFile = file.Name()
	err = file.Close()
	if nil != err {
		return
	}

	err = confMap.DumpConfMapToFile(confFile, 0644)
	if nil == err {
		err = os.Chmod(confFile, 0644)
	}
	if nil != err {
		_ = os.Remove(confFile)
		confFile = ""
	}
	return
}
