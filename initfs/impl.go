// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package initfs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/meta"
	"github.com/NVIDIA/ioreplay/mounts"
	"github.com/NVIDIA/ioreplay/tpool"
	"github.com/NVIDIA/ioreplay/utils"
	"github.com/NVIDIA/ioreplay/vsize"
)

const (
	fillerSize = 1024 * 1024
	trashDir   = ".trash"
)

var filler []byte

func init() {
	const pattern = "ioreplay init data\n"

	filler = make([]byte, fillerSize)
	for i := 0; i < fillerSize; i += copy(filler[i:], pattern) {
	}
}

type initializer struct {
	config    *Config
	header    *meta.Header
	user      string
	sandboxes []string
	stats     Stats

	errLock sync.Mutex
	err     error
}

func newInitializer(config *Config) (i *initializer, err error) {
	var (
		file  *os.File
		table *mounts.Table
	)

	if 0 == config.NumThreads {
		err = blunder.NewError(blunder.FatalError, "NumThreads must be > 0")
		return
	}

	i = &initializer{config: config}

	file, err = os.Open(config.ReplayFile)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	i.header, err = meta.Read(file)
	_ = file.Close()
	if nil != err {
		return
	}

	i.user = config.User
	if "" == i.user {
		i.user = i.header.User
	}

	table, err = mounts.Resolve(config.Mounts, config.MountTableFile, config.SupportedFileSystems, config.ExtraMountPoints, nil)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	i.sandboxes = mounts.NewRewriter(table, config.SandboxDir, i.header.Name).SandboxDirs()

	logger.Infof("init config: %s", utils.JSONify(config, false))

	err = nil
	return
}

func (i *initializer) fail(err error) {
	i.errLock.Lock()
	if nil == i.err {
		i.err = err
	}
	i.errLock.Unlock()
}

// prepareSandboxes moves earlier runs out of the way and creates an empty
// sandbox per mount point, owned by the replay user.
func (i *initializer) prepareSandboxes() (err error) {
	var (
		gid uint32
		uid uint32
		now = time.Now().Unix()
	)

	chown := ("" != i.user) && (0 == os.Geteuid())
	if chown {
		uid, gid, err = utils.LookupUser(i.user)
		if nil != err {
			return
		}
	}

	for _, sandbox := range i.sandboxes {
		if i.config.Trash {
			if _, statErr := os.Stat(sandbox); nil == statErr {
				trash := filepath.Join(filepath.Dir(sandbox), trashDir, fmt.Sprintf("%s.%d", filepath.Base(sandbox), now))
				err = os.MkdirAll(filepath.Dir(trash), 0755)
				if nil == err {
					err = os.Rename(sandbox, trash)
				}
				if nil != err {
					return
				}
				i.stats.Trashed++
				logger.Infof("moved %s to %s", sandbox, trash)
			}
		}

		err = os.MkdirAll(sandbox, 0755)
		if nil != err {
			return
		}
		if chown {
			err = os.Chown(sandbox, int(uid), int(gid))
			if nil != err {
				return
			}
		}
	}

	return
}

func (i *initializer) run() (stats *Stats, err error) {
	var (
		file   *os.File
		line   string
		pool   *tpool.Pool
		record *vsize.InitRecord
		start  = time.Now()
	)

	err = i.prepareSandboxes()
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	err = utils.DropPrivileges(i.user)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	file, err = os.Open(i.config.ReplayFile)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	defer file.Close()

	_, err = file.Seek(int64(i.header.InitOffset), io.SeekStart)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	logger.Infof("creating the files and directories of test %q", i.header.Name)

	pool = tpool.New(int(i.config.NumThreads), i.create)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 64*1024+2*4096)
	for scanner.Scan() {
		line = scanner.Text()
		if ("" == line) || strings.HasPrefix(line, "#") {
			continue
		}
		record, err = vsize.ParseInitRecord(line)
		if nil != err {
			break
		}
		i.stats.Records++
		err = pool.AddWork(record, nil, nil)
		if nil != err {
			break
		}
	}
	if nil == err {
		err = scanner.Err()
	}

	pool.Destroy()

	if nil == err {
		err = i.err
	}
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	i.stats.Elapsed = time.Since(start)
	stats = &i.stats

	logger.Infof("init of %q done in %v: %s records, %s directories and %s files created, %s written",
		i.header.Name, stats.Elapsed.Truncate(time.Millisecond), humanize.Comma(int64(stats.Records)),
		humanize.Comma(int64(stats.DirsCreated)), humanize.Comma(int64(stats.FilesCreated)),
		humanize.IBytes(stats.BytesWritten))

	return
}

// create is the tpool callback. Parents are created on demand, so records may
// be processed in any order.
func (i *initializer) create(arg1 interface{}, arg2 interface{}, arg3 interface{}) {
	var (
		err    error
		record = arg1.(*vsize.InitRecord)
	)

	switch {
	case record.IsDir:
		err = i.mkdirAll(record.Path)
	case record.IsFile:
		err = i.createFile(record)
	default:
		atomic.AddUint64(&i.stats.Skipped, 1)
	}

	if nil != err {
		logger.ErrorfWithError(err, "init of %s failed", record.Path)
		i.fail(err)
	}
}

// mkdirAll is os.MkdirAll counting only the directories this call created,
// so that concurrent callers never count one twice.
func (i *initializer) mkdirAll(path string) (err error) {
	info, err := os.Stat(path)
	if nil == err {
		if !info.IsDir() {
			err = fmt.Errorf("%s exists and is not a directory", path)
		}
		return
	}

	parent := filepath.Dir(path)
	if parent != path {
		err = i.mkdirAll(parent)
		if nil != err {
			return
		}
	}

	err = os.Mkdir(path, 0755)
	if nil == err {
		atomic.AddUint64(&i.stats.DirsCreated, 1)
	} else if os.IsExist(err) {
		err = nil
	}
	return
}

// createFile makes sure record.Path exists and holds data over the record's
// byte range.
func (i *initializer) createFile(record *vsize.InitRecord) (err error) {
	var (
		file *os.File
	)

	err = i.mkdirAll(filepath.Dir(record.Path))
	if nil != err {
		return
	}

	file, err = os.OpenFile(record.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if nil == err {
		atomic.AddUint64(&i.stats.FilesCreated, 1)
	} else if os.IsExist(err) {
		file, err = os.OpenFile(record.Path, os.O_WRONLY, 0)
	}
	if nil != err {
		return
	}

	offset := int64(record.Start)
	remaining := record.Length
	for 0 < remaining {
		chunk := uint64(fillerSize)
		if remaining < chunk {
			chunk = remaining
		}
		_, err = file.WriteAt(filler[:chunk], offset)
		if nil != err {
			_ = file.Close()
			return
		}
		offset += int64(chunk)
		remaining -= chunk
	}
	atomic.AddUint64(&i.stats.BytesWritten, record.Length)

	err = file.Close()
	return
}
