// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package mounts

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMountTable = `/dev/sda1 / ext4 rw,relatime 0 0
proc /proc proc rw,nosuid,nodev,noexec,relatime 0 0
tmpfs /run tmpfs rw,nosuid,nodev 0 0
/dev/sdb1 /mnt xfs rw,relatime 0 0
/dev/sdc1 /mnt/data btrfs rw,relatime 0 0
/dev/sdd1 /mnt/my\040disk ext4 rw 0 0
`

func TestReadMountTable(t *testing.T) {
	assert := assert.New(t)

	table, err := ReadMountTable(strings.NewReader(testMountTable), DefaultFileSystems)
	assert.Nil(err)
	assert.Equal([]string{"/", "/mnt", "/mnt/data", "/mnt/my disk"}, table.MountPoints)
	assert.Equal([]string{"/proc", "/run"}, table.IgnorePrefixes)

	_, err = ReadMountTable(strings.NewReader("garbage\n"), DefaultFileSystems)
	assert.NotNil(err)
}

func TestNormalize(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("/foo/bar", Normalize("/foo/bar"))
	assert.Equal("/foo", Normalize("/foo/bar/.."))
	assert.Equal("/foo/baz", Normalize("/foo//bar/../baz"))
	assert.Equal(".", Normalize("/foo/.."))
	assert.Equal(".", Normalize("/../.."))
}

func TestRewrite(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	table, err := ReadMountTable(strings.NewReader(testMountTable), DefaultFileSystems)
	require.Nil(err)

	rewriter := NewRewriter(table, ".ioreplay", "mytest")

	rewritten, ok := rewriter.Rewrite("/home/user/f")
	assert.True(ok)
	assert.Equal("/.ioreplay/mytest/home/user/f", rewritten)

	rewritten, ok = rewriter.Rewrite("/mnt/data/sub/f")
	assert.True(ok)
	assert.Equal("/mnt/data/.ioreplay/mytest/sub/f", rewritten)

	rewritten, ok = rewriter.Rewrite("/mnt/datax/f")
	assert.True(ok)
	assert.Equal("/mnt/.ioreplay/mytest/datax/f", rewritten)

	rewritten, ok = rewriter.Rewrite("/mnt/a/../data//f")
	assert.True(ok)
	assert.Equal("/mnt/data/.ioreplay/mytest/f", rewritten)

	_, ok = rewriter.Rewrite("/proc/self/status")
	assert.False(ok)
	_, ok = rewriter.Rewrite("/tmp/namespace-12/f")
	assert.False(ok)
	_, ok = rewriter.Rewrite("relative/path")
	assert.False(ok)
	_, ok = rewriter.Rewrite("/..")
	assert.False(ok)

	assert.Equal([]string{
		"/.ioreplay/mytest",
		"/mnt/.ioreplay/mytest",
		"/mnt/data/.ioreplay/mytest",
		"/mnt/my disk/.ioreplay/mytest",
	}, rewriter.SandboxDirs())
}

func TestResolve(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	static := &Table{MountPoints: []string{"/srv"}, IgnorePrefixes: []string{"/srv/tmp"}}

	table, err := Resolve(static, "/nonexistent/mounts", nil, []string{"/extra"}, []string{"/var/log"})
	require.Nil(err)
	assert.Equal([]string{"/srv", "/extra"}, table.MountPoints)
	assert.Equal([]string{"/srv/tmp", "/var/log"}, table.IgnorePrefixes)
	assert.Equal([]string{"/srv"}, static.MountPoints, "static table is not modified")

	dir, err := ioutil.TempDir("", "mounts_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	fileName := filepath.Join(dir, "mounts")
	require.Nil(ioutil.WriteFile(fileName, []byte(testMountTable), 0644))

	table, err = Resolve(nil, fileName, []string{"xfs"}, nil, nil)
	require.Nil(err)
	assert.Equal([]string{"/mnt"}, table.MountPoints)

	_, err = Resolve(nil, filepath.Join(dir, "missing"), DefaultFileSystems, nil, nil)
	assert.NotNil(err)
}
