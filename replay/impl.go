// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/meta"
	"github.com/NVIDIA/ioreplay/shm"
	"github.com/NVIDIA/ioreplay/stats"
	"github.com/NVIDIA/ioreplay/utils"
)

type controller struct {
	config *Config
	header *meta.Header
	user   string
}

func readHeader(fileName string) (header *meta.Header, err error) {
	file, err := os.Open(fileName)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	defer file.Close()

	header, err = meta.Read(file)
	return
}

func newController(config *Config) (c *controller, err error) {
	err = config.validate()
	if nil != err {
		return
	}
	if (ProcessWorkers == config.WorkerMode) && (nil == config.Spawn) {
		err = fmt.Errorf("WorkerMode %q needs a Spawner", ProcessWorkers)
		return
	}

	c = &controller{config: config}

	c.header, err = readHeader(config.ReplayFile)
	if nil != err {
		return
	}
	c.user = replayUser(config, c.header)

	logger.Infof("replay config: %s", utils.JSONify(config, false))
	logger.Infof("replay header: %s", utils.JSONify(c.header, false))

	err = nil
	return
}

func (c *controller) run() (report *stats.Report, err error) {
	var (
		records []stats.Record
		table   *shm.Table
	)

	table, err = shm.Create(c.config.SharedTable(), c.config.NumWorkers, c.header.NumMappedFds)
	if nil != err {
		return
	}
	defer func() {
		removeErr := table.Remove()
		if nil != removeErr {
			logger.WarnfWithError(removeErr, "removing shared table failed")
		}
	}()

	logger.Infof("replaying test %q as user %q with %d %s workers", c.header.Name, c.user, c.config.NumWorkers, c.config.WorkerMode)

	start := time.Now()

	if GoroutineWorkers == c.config.WorkerMode {
		err = c.runGoroutines(table)
	} else {
		err = c.runProcesses(table)
	}
	if nil != err {
		return
	}

	elapsed := time.Since(start)

	records, err = table.AllStats()
	if nil != err {
		return
	}
	for i := range records {
		if !records[i].Done {
			logger.Warnf("worker(%d) did not report its final statistics", i)
		}
	}

	report = stats.Aggregate(c.header.Name, records, elapsed)
	report.Log()

	if "" != c.config.StatsFile {
		err = report.WriteTextfile(c.config.StatsFile)
		if nil != err {
			return
		}
		logger.Infof("statistics written to %s", c.config.StatsFile)
	}

	err = nil
	return
}

func (c *controller) runGoroutines(table *shm.Table) (err error) {
	var (
		errs = make([]error, c.config.NumWorkers)
		wg   sync.WaitGroup
	)

	err = utils.DropPrivileges(c.user)
	if nil != err {
		return
	}

	for i := uint32(0); i < c.config.NumWorkers; i++ {
		w, workerErr := newWorker(c.config, c.header, table, i)
		if nil != workerErr {
			errs[i] = workerErr
			continue
		}
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			errs[w.index] = w.run(c.config.ReplayFile)
		}(w)
	}

	wg.Wait()

	for i, workerErr := range errs {
		if nil != workerErr {
			logger.ErrorfWithError(workerErr, "worker(%d) failed", i)
			if nil == err {
				err = workerErr
			}
		}
	}
	return
}

// runProcesses starts one child per worker, running as the replay user, and
// waits for all of them.
func (c *controller) runProcesses(table *shm.Table) (err error) {
	var (
		cmds       = make([]*exec.Cmd, 0, c.config.NumWorkers)
		credential *syscall.Credential
		gid        uint32
		uid        uint32
	)

	if ("" != c.user) && (0 == os.Geteuid()) {
		uid, gid, err = utils.LookupUser(c.user)
		if nil != err {
			return
		}
		credential = &syscall.Credential{Uid: uid, Gid: gid}

		// children map the table as the replay user
		err = os.Chown(table.FileName(), int(uid), int(gid))
		if nil != err {
			return
		}
	}

	for i := uint32(0); i < c.config.NumWorkers; i++ {
		cmd, spawnErr := c.config.Spawn(i)
		if nil == spawnErr {
			if nil != credential {
				if nil == cmd.SysProcAttr {
					cmd.SysProcAttr = &syscall.SysProcAttr{}
				}
				cmd.SysProcAttr.Credential = credential
			}
			if nil == cmd.Stdout {
				cmd.Stdout = os.Stdout
			}
			if nil == cmd.Stderr {
				cmd.Stderr = os.Stderr
			}
			spawnErr = cmd.Start()
		}
		if nil != spawnErr {
			err = fmt.Errorf("starting worker(%d): %v", i, spawnErr)
			break
		}
		cmds = append(cmds, cmd)
		logger.Infof("worker(%d) started as pid %d", i, cmd.Process.Pid)
	}

	for i, cmd := range cmds {
		waitErr := cmd.Wait()
		if (nil != waitErr) && (nil == err) {
			err = fmt.Errorf("worker(%d): %v", i, waitErr)
		}
	}

	return
}

// runWorkerProcess is the body of a child started by runProcesses.
func runWorkerProcess(config *Config, workerIndex uint32) (err error) {
	var (
		header *meta.Header
		table  *shm.Table
		w      *worker
	)

	header, err = readHeader(config.ReplayFile)
	if nil != err {
		return
	}

	// credentials were set by the parent; this only matters when a worker is
	// started by hand
	err = utils.DropPrivileges(replayUser(config, header))
	if nil != err {
		return
	}

	table, err = shm.Open(config.SharedTable())
	if nil != err {
		return
	}
	defer table.Close()

	if workerIndex >= table.NumWorkers() {
		err = fmt.Errorf("worker index %d but the shared table has %d workers", workerIndex, table.NumWorkers())
		return
	}

	w, err = newWorker(config, header, table, workerIndex)
	if nil != err {
		return
	}

	err = w.run(config.ReplayFile)
	if nil != err {
		return
	}

	err = table.Sync()
	return
}
