// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package generate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pierrec/lz4/v4"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/logger"
	"github.com/NVIDIA/ioreplay/meta"
	"github.com/NVIDIA/ioreplay/mounts"
	"github.com/NVIDIA/ioreplay/ringqueue"
	"github.com/NVIDIA/ioreplay/utils"
	"github.com/NVIDIA/ioreplay/vsize"
)

const progressInterval = 1000000 // lines

// stage is one goroutine draining a ring queue.
type stage struct {
	queue     *ringqueue.RingQueue
	terminate uint32
	wg        sync.WaitGroup
}

type generator struct {
	config   *Config
	rewriter *mounts.Rewriter
	tracker  *vsize.Tracker
	vsizeIDs utils.Sequence

	recycle *ringqueue.RingQueue // writer -> reader
	parser  stage
	writer  stage

	failed uint32 // set by the writer on a fatal error
	err    error

	stats Stats
}

func newGenerator(config *Config) (g *generator, err error) {
	var (
		table *mounts.Table
	)

	if "" == config.Name {
		err = blunder.NewError(blunder.FatalError, "generate needs a test name")
		return
	}
	if "" == config.Delimiter {
		config.Delimiter = DefaultDelimiter
	}
	if (0 == config.ParserQueueDepth) || (0 == config.WriterQueueDepth) || (0 == config.TaskPoolSize) {
		err = blunder.NewError(blunder.FatalError, "queue depths and task pool size must be positive")
		return
	}
	if (0 == config.MaxLineLength) || (0 == config.MaxTokens) {
		err = blunder.NewError(blunder.FatalError, "MaxLineLength and MaxTokens must be positive")
		return
	}

	table, err = mounts.Resolve(config.Mounts, config.MountTableFile, config.SupportedFileSystems, config.ExtraMountPoints, config.IgnorePrefixes)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	logger.Infof("generate mount points %v, ignoring %v", table.MountPoints, table.IgnorePrefixes)

	g = &generator{
		config:   config,
		rewriter: mounts.NewRewriter(table, config.SandboxDir, config.Name),
		recycle:  ringqueue.New(int(config.TaskPoolSize) + 1),
		parser:   stage{queue: ringqueue.New(int(config.ParserQueueDepth) + 1)},
		writer:   stage{queue: ringqueue.New(int(config.WriterQueueDepth) + 1)},
	}
	g.tracker = vsize.New(vsize.Config{
		HoleTolerance: config.HoleTolerance,
		IDs:           &g.vsizeIDs,
	})

	err = nil
	return
}

func openCapture(fileName string) (r io.Reader, closer io.Closer, err error) {
	var (
		file *os.File
	)

	file, err = os.Open(fileName)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	closer = file

	if strings.HasSuffix(fileName, ".lz4") {
		r = lz4.NewReader(file)
	} else {
		r = file
	}

	err = nil
	return
}

func (g *generator) backoff() {
	if 0 == g.config.QueueBackoff {
		runtime.Gosched()
	} else {
		time.Sleep(g.config.QueueBackoff)
	}
}

// drain runs process on everything queued on s until s is told to terminate,
// then empties the queue one last time.
func (g *generator) drain(s *stage, process func(t *task)) {
	defer s.wg.Done()

	for {
		for {
			handle, ok := s.queue.Pop()
			if !ok {
				break
			}
			process(handle.(*task))
		}
		if 1 == atomic.LoadUint32(&s.terminate) {
			break
		}
		g.backoff()
	}

	for {
		handle, ok := s.queue.Pop()
		if !ok {
			return
		}
		process(handle.(*task))
	}
}

func (g *generator) stop(s *stage) {
	atomic.StoreUint32(&s.terminate, 1)
	s.wg.Wait()
}

func (g *generator) nextTask() *task {
	handle, ok := g.recycle.Pop()
	if ok {
		return handle.(*task)
	}
	return &task{}
}

func (g *generator) logFiltered(out *bufio.Writer, t *task) {
	atomic.AddUint64(&g.stats.Filtered, 1)
	logger.Debugf("filtered line %d (%v): %s", t.lineNo, t.err, t.line)
	if g.config.LogFiltered {
		fmt.Fprintf(out, "#FILTERED @%d %s\n", t.lineNo, strings.TrimRight(t.line, "\r\n"))
	}
}

func (g *generator) write(w *writer, out *bufio.Writer, t *task) {
	var (
		err error
	)

	if 1 == atomic.LoadUint32(&g.failed) {
		return
	}

	switch {
	case t.comment:
		g.stats.Comments++
	case nil != t.err:
		g.logFiltered(out, t)
	default:
		err = w.handle(t)
		if nil == err {
			return
		}
		if blunder.IsFiltered(err) {
			t.err = err
			g.logFiltered(out, t)
			return
		}
		g.err = blunder.NewError(blunder.FatalError, "line %d: %v", t.lineNo, err)
		atomic.StoreUint32(&g.failed, 1)
	}
}

func (g *generator) run() (stats *Stats, err error) {
	var (
		capture    io.Reader
		closer     io.Closer
		initOffset int64
		lineNo     uint64
		numInit    uint64
		out        *bufio.Writer
		replayFile *os.File
		scanner    *bufio.Scanner
		stopwatch  = utils.NewStopwatch()
	)

	logger.Infof("generating %s from %s", g.config.ReplayFile, g.config.CaptureFile)
	logger.Infof("generate config: %s", utils.JSONify(g.config, false))

	capture, closer, err = openCapture(g.config.CaptureFile)
	if nil != err {
		return
	}
	defer closer.Close()

	replayFile, err = os.Create(g.config.ReplayFile)
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	defer replayFile.Close()

	out = bufio.NewWriterSize(replayFile, 1<<20)
	_, err = out.Write(meta.Placeholder())
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	w := newWriter(out, g.tracker, g.config.CheckDependencies, &g.stats)
	p := newParser(g.config, g.rewriter)

	g.parser.wg.Add(1)
	go g.drain(&g.parser, func(t *task) {
		p.extract(t)
		g.writer.queue.PushWait(t, g.config.QueueBackoff)
	})
	g.writer.wg.Add(1)
	go g.drain(&g.writer, func(t *task) {
		g.write(w, out, t)
		g.recycle.Push(t)
	})

	scanner = bufio.NewScanner(capture)
	initialSize := 4096
	if int(g.config.MaxLineLength) < initialSize {
		initialSize = int(g.config.MaxLineLength)
	}
	scanner.Buffer(make([]byte, 0, initialSize), int(g.config.MaxLineLength))

	for scanner.Scan() {
		if 1 == atomic.LoadUint32(&g.failed) {
			break
		}
		lineNo++
		t := g.nextTask()
		t.reset(scanner.Text(), lineNo)
		g.parser.queue.PushWait(t, g.config.QueueBackoff)

		if 0 == lineNo%progressInterval {
			logger.Infof("%s lines read, %s filtered", humanize.Comma(int64(lineNo)), humanize.Comma(int64(atomic.LoadUint64(&g.stats.Filtered))))
		}
	}

	// parser first so that everything it hands on reaches the writer
	g.stop(&g.parser)
	g.stop(&g.writer)

	err = scanner.Err()
	if nil != err {
		if bufio.ErrTooLong == err {
			err = blunder.NewError(blunder.FatalError, "line %d exceeds the maximum line length of %d", lineNo+1, g.config.MaxLineLength)
		} else {
			err = blunder.AddError(err, blunder.FatalError)
		}
		return
	}
	if nil != g.err {
		err = g.err
		return
	}

	g.stats.Lines = lineNo

	_, err = out.WriteString(meta.InitMarker + "\n")
	if nil == err {
		err = out.Flush()
	}
	if nil == err {
		initOffset, err = replayFile.Seek(0, io.SeekCurrent)
	}
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}
	numInit, err = g.tracker.WriteInit(out)
	if nil == err {
		err = out.Flush()
	}
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	g.stats.InitRecords = numInit
	g.stats.InitOffset = uint64(initOffset)
	g.stats.VSizes = uint64(g.tracker.Len())
	g.stats.MappedPids = w.pidSeq.Last()
	g.stats.MappedFds = w.fdSeq.Last()
	if nil != w.graph {
		g.stats.CrossPathDeps = w.graph.crossThreadEdges()
	}

	err = meta.Patch(replayFile, &meta.Header{
		Version:       meta.Version,
		InitOffset:    g.stats.InitOffset,
		User:          g.config.User,
		Name:          g.config.Name,
		NumVSizes:     g.stats.VSizes,
		NumMappedPids: g.stats.MappedPids,
		NumMappedFds:  g.stats.MappedFds,
		NumLines:      g.stats.Records,
	})
	if nil != err {
		return
	}
	err = replayFile.Sync()
	if nil != err {
		err = blunder.AddError(err, blunder.FatalError)
		return
	}

	stopwatch.Stop()

	logger.Infof("processed %s lines in %v, filtered %.2f%%", humanize.Comma(int64(g.stats.Lines)), stopwatch.Elapsed(), g.stats.FilteredPercent())
	logger.Infof("wrote %s records (%d injected closes), %s paths, %s init records to %s",
		humanize.Comma(int64(g.stats.Records)), g.stats.InjectedClose, humanize.Comma(int64(g.stats.VSizes)),
		humanize.Comma(int64(g.stats.InitRecords)), g.config.ReplayFile)
	if g.config.CheckDependencies && (0 != g.stats.CrossPathDeps) {
		logger.Warnf("%d operations depend on an operation replayed under another path id", g.stats.CrossPathDeps)
	}

	stats = &g.stats
	err = nil
	return
}
