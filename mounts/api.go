// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package mounts maps captured absolute paths onto a per-test sandbox on a
// supported mount point.
//
// A path /mnt/data/f on mount point /mnt/data becomes
// /mnt/data/<sandbox>/<name>/f; a path on / becomes /<sandbox>/<name>/f.
// Paths below an unsupported mount point are rejected.
package mounts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/NVIDIA/ioreplay/logger"
)

// DefaultFileSystems are the filesystem types replayed onto by default.
var DefaultFileSystems = []string{"ext2", "ext3", "ext4", "xfs", "zfs", "btrfs"}

const namespacePrefix = "/tmp/namespace-"

type Table struct {
	MountPoints    []string // supported, in mount table order
	IgnorePrefixes []string // everything below these is rejected
}

// ReadMountTable parses /proc/mounts formatted lines. Mounts of a type not in
// supported become ignore prefixes, except for /.
func ReadMountTable(r io.Reader, supported []string) (table *Table, err error) {
	var (
		fields    []string
		lineNo    int
		scanner   = bufio.NewScanner(r)
		supportOK = make(map[string]bool)
	)

	for _, fsType := range supported {
		supportOK[fsType] = true
	}

	table = &Table{}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if ("" == line) || strings.HasPrefix(line, "#") {
			continue
		}

		fields = strings.Fields(line)
		if 3 > len(fields) {
			err = fmt.Errorf("mount table line %d: expected device, mount point and type in %q", lineNo, line)
			return
		}

		mountPoint := unescapeOctal(fields[1])
		fsType := fields[2]

		if supportOK[fsType] {
			table.MountPoints = append(table.MountPoints, mountPoint)
		} else if "/" != mountPoint {
			table.IgnorePrefixes = append(table.IgnorePrefixes, mountPoint)
		}
	}

	err = scanner.Err()
	return
}

// LoadMountTable reads fileName (normally /proc/mounts).
func LoadMountTable(fileName string, supported []string) (table *Table, err error) {
	var (
		file *os.File
	)

	file, err = os.Open(fileName)
	if nil != err {
		return
	}
	defer file.Close()

	table, err = ReadMountTable(file, supported)
	if nil != err {
		return
	}

	logger.Infof("mount table %s: %d supported mount points %v, %d ignored", fileName, len(table.MountPoints), table.MountPoints, len(table.IgnorePrefixes))

	return
}

// Resolve returns a copy of static, or the table loaded from fileName when
// static is nil, extended by extraMountPoints and ignorePrefixes.
func Resolve(static *Table, fileName string, supported []string, extraMountPoints []string, ignorePrefixes []string) (table *Table, err error) {
	if nil == static {
		table, err = LoadMountTable(fileName, supported)
		if nil != err {
			return
		}
	} else {
		table = &Table{
			MountPoints:    append([]string{}, static.MountPoints...),
			IgnorePrefixes: append([]string{}, static.IgnorePrefixes...),
		}
	}

	table.MountPoints = append(table.MountPoints, extraMountPoints...)
	table.IgnorePrefixes = append(table.IgnorePrefixes, ignorePrefixes...)

	err = nil
	return
}

// unescapeOctal undoes the \040 style escaping /proc/mounts applies to spaces,
// tabs, newlines and backslashes.
func unescapeOctal(s string) string {
	var (
		b strings.Builder
	)

	if !strings.Contains(s, `\`) {
		return s
	}

	for i := 0; i < len(s); i++ {
		if ('\\' == s[i]) && (i+3 < len(s)) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}

	return b.String()
}

func isOctal(c byte) bool {
	return ('0' <= c) && (c <= '7')
}

// Normalize collapses ".." components and repeated slashes. A path that
// collapses to nothing becomes ".".
func Normalize(p string) string {
	var (
		stack []string
	)

	if !strings.Contains(p, "..") && !strings.Contains(p, "//") {
		return p
	}

	for _, tok := range strings.Split(p, "/") {
		switch tok {
		case "":
		case "..":
			if 0 < len(stack) {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, tok)
		}
	}

	if 0 == len(stack) {
		return "."
	}

	return "/" + strings.Join(stack, "/")
}

func hasPathPrefix(p string, prefix string) bool {
	if "/" == prefix {
		return strings.HasPrefix(p, "/")
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return (len(p) == len(prefix)) || ('/' == p[len(prefix)]) || ('/' == prefix[len(prefix)-1])
}

type Rewriter struct {
	table      *Table
	sandboxDir string
	name       string
}

func NewRewriter(table *Table, sandboxDir string, name string) *Rewriter {
	return &Rewriter{
		table:      table,
		sandboxDir: strings.Trim(sandboxDir, "/"),
		name:       strings.Trim(name, "/"),
	}
}

// Ignored reports whether p lies below an ignored mount point or a temporary
// namespace mount.
func (rewriter *Rewriter) Ignored(p string) bool {
	if strings.HasPrefix(p, namespacePrefix) {
		return true
	}
	for i := len(rewriter.table.IgnorePrefixes) - 1; i >= 0; i-- {
		if hasPathPrefix(p, rewriter.table.IgnorePrefixes[i]) {
			return true
		}
	}
	return false
}

// Rewrite returns the sandboxed form of p. ok is false if p must be filtered.
func (rewriter *Rewriter) Rewrite(p string) (rewritten string, ok bool) {
	var (
		best = -1
	)

	p = Normalize(p)

	if rewriter.Ignored(p) {
		return
	}

	for i := len(rewriter.table.MountPoints) - 1; i >= 0; i-- {
		mountPoint := rewriter.table.MountPoints[i]
		if !hasPathPrefix(p, mountPoint) {
			continue
		}
		if (-1 == best) || (len(mountPoint) > len(rewriter.table.MountPoints[best])) {
			best = i
		}
	}
	if -1 == best {
		return
	}

	mountPoint := rewriter.table.MountPoints[best]
	if "/" == mountPoint {
		rewritten = "/" + rewriter.sandboxDir + "/" + rewriter.name + p
	} else {
		rewritten = strings.TrimRight(mountPoint, "/") + "/" + rewriter.sandboxDir + "/" + rewriter.name + p[len(strings.TrimRight(mountPoint, "/")):]
	}

	ok = true
	return
}

// SandboxDirs returns <mount>/<sandbox>/<name> for every supported mount
// point.
func (rewriter *Rewriter) SandboxDirs() (dirs []string) {
	for _, mountPoint := range rewriter.table.MountPoints {
		dirs = append(dirs, strings.TrimRight(mountPoint, "/")+"/"+rewriter.sandboxDir+"/"+rewriter.name)
	}
	return
}
