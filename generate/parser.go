// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package generate

import (
	"strconv"
	"strings"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/mounts"
	"github.com/NVIDIA/ioreplay/opcode"
)

// Filter reasons are allocated once; tens of millions of lines may be dropped.
var (
	errMalformedToken = blunder.NewError(blunder.FilteredError, "malformed token")
	errUnknownKey     = blunder.NewError(blunder.FilteredError, "unknown key")
	errDuplicateKey   = blunder.NewError(blunder.FilteredError, "duplicate key")
	errNotANumber     = blunder.NewError(blunder.FilteredError, "value is not a number")
	errTooManyTokens  = blunder.NewError(blunder.FilteredError, "too many tokens")
	errPidTid         = blunder.NewError(blunder.FilteredError, "missing or invalid pid:tid")
	errNoOp           = blunder.NewError(blunder.FilteredError, "missing operation")
	errUnknownOp      = blunder.NewError(blunder.FilteredError, "unknown operation")
	errNoTime         = blunder.NewError(blunder.FilteredError, "missing time")
	errUnsupportedFS  = blunder.NewError(blunder.FilteredError, "path not on a supported mount point")
)

type parser struct {
	delimiter string
	maxTokens int
	rewriter  *mounts.Rewriter
	startTime int64
}

func newParser(config *Config, rewriter *mounts.Rewriter) *parser {
	return &parser{
		delimiter: config.Delimiter,
		maxTokens: int(config.MaxTokens),
		rewriter:  rewriter,
		startTime: -1,
	}
}

// extract fills t from t.line. On failure t.err holds the filter reason.
func (p *parser) extract(t *task) {
	var (
		delimiter = p.delimiter
		line      = strings.TrimRight(t.line, "\r\n")
		numTokens int
		ok        bool
	)

	if ("" == strings.TrimSpace(line)) || ('#' == line[0]) {
		t.comment = true
		return
	}

	if !strings.Contains(line, delimiter) {
		delimiter = fallbackDelimiter
	}

	for _, token := range strings.Split(line, delimiter) {
		if "" == token {
			continue
		}
		numTokens++
		if numTokens > p.maxTokens {
			t.err = errTooManyTokens
			return
		}
		t.err = p.extractToken(t, token)
		if nil != t.err {
			return
		}
	}

	switch {
	case (0 > t.pid) || (0 > t.tid):
		t.err = errPidTid
		return
	case !t.hasOp:
		t.err = errNoOp
		return
	case -1 == t.time:
		t.err = errNoTime
		return
	}

	if "" != t.path {
		t.path, ok = p.rewriter.Rewrite(t.path)
		if !ok {
			t.err = errUnsupportedFS
			return
		}
	}
	if "" != t.path2 {
		t.path2, ok = p.rewriter.Rewrite(t.path2)
		if !ok {
			t.err = errUnsupportedFS
			return
		}
	}

	if t.hasFD {
		t.fdKey = strconv.FormatInt(t.pid, 10) + ":" + strconv.FormatInt(t.fd, 10)
	}
}

func parseNumber(value string, i64 *int64) (err error) {
	*i64, err = strconv.ParseInt(value, 10, 64)
	if nil != err {
		err = errNotANumber
	}
	return
}

func parseOnce(value string, i64 *int64) (err error) {
	if -1 != *i64 {
		return errDuplicateKey
	}
	return parseNumber(value, i64)
}

func unquotePath(value string) string {
	value = strings.ReplaceAll(value, "|", "_")
	if (2 <= len(value)) && ('"' == value[0]) && ('"' == value[len(value)-1]) {
		value = value[1 : len(value)-1]
	}
	return value
}

func (p *parser) extractToken(t *task, token string) (err error) {
	if (3 > len(token)) || ('=' != token[1]) {
		err = errMalformedToken
		return
	}

	value := token[2:]

	switch token[0] {
	case 'a':
		err = parseNumber(value, &t.address)
	case 'A':
		err = parseNumber(value, &t.address2)
	case 'b':
		err = parseOnce(value, &t.bytes)
	case 'c':
		err = parseOnce(value, &t.count)
	case 'd':
		err = parseOnce(value, &t.fd)
		t.hasFD = (nil == err) && (0 < t.fd)
	case 'f':
		err = parseNumber(value, &t.flags)
	case 'i':
		err = parsePidTid(t, value)
	case 'm':
		err = parseNumber(value, &t.mode)
	case 'o':
		t.op, t.hasOp = opcode.Lookup(value)
		if !t.hasOp {
			err = errUnknownOp
		}
	case 'O':
		err = parseNumber(value, &t.offset)
	case 'W':
		err = parseNumber(value, &t.whence)
	case 'p':
		t.path = unquotePath(value)
	case 'P':
		t.path2 = unquotePath(value)
	case 's':
		err = parseNumber(value, &t.status)
	case 't':
		err = parseNumber(value, &t.time)
		if nil != err {
			return
		}
		if -1 == p.startTime {
			p.startTime = t.time
		}
		t.time -= p.startTime
		if 0 > t.time {
			t.time = 0
		}
	case 'F':
		err = parseNumber(value, &t.fcntlF)
	case 'G':
		err = parseNumber(value, &t.fcntlG)
	case 'T', 'D':
		// recorded by the tracer, unused
	default:
		err = errUnknownKey
	}

	return
}

func parsePidTid(t *task, value string) (err error) {
	colon := strings.IndexByte(value, ':')
	if -1 == colon {
		return errPidTid
	}

	t.pid, err = strconv.ParseInt(value[:colon], 10, 64)
	if nil != err {
		return errPidTid
	}
	t.tid, err = strconv.ParseInt(value[colon+1:], 10, 64)
	if nil != err {
		return errPidTid
	}
	if (0 > t.pid) || (0 > t.tid) {
		return errPidTid
	}

	return nil
}
