// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package initfs

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/ioreplay/blunder"
	"github.com/NVIDIA/ioreplay/conf"
	"github.com/NVIDIA/ioreplay/meta"
	"github.com/NVIDIA/ioreplay/mounts"
)

func writeReplayFile(t *testing.T, fileName string, name string, body []string, init []string) {
	require := require.New(t)

	content := string(meta.Placeholder())
	for _, line := range body {
		content += line + "\n"
	}
	content += meta.InitMarker + "\n"
	initOffset := len(content)
	for _, line := range init {
		content += line + "\n"
	}
	require.Nil(ioutil.WriteFile(fileName, []byte(content), 0644))

	file, err := os.OpenFile(fileName, os.O_RDWR, 0)
	require.Nil(err)
	defer file.Close()

	require.Nil(meta.Patch(file, &meta.Header{
		Version:    meta.Version,
		InitOffset: uint64(initOffset),
		Name:       name,
		NumLines:   uint64(len(body)),
	}))
}

func testConfig(dir string) *Config {
	config := DefaultConfig()
	config.ReplayFile = filepath.Join(dir, "test.replay")
	config.NumThreads = 3
	config.Mounts = &mounts.Table{MountPoints: []string{dir}}
	return config
}

func TestRun(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir, err := ioutil.TempDir("", "initfs_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	sandbox := filepath.Join(dir, ".ioreplay", "test")
	config := testConfig(dir)

	writeReplayFile(t, config.ReplayFile, "test", []string{"0|1|1|1|0|30|" + sandbox + "/a/f|0|0|@1|"}, []string{
		"1|0|0|0|" + sandbox + "/a|",
		"1|0|0|0|" + sandbox + "/a/b/c|",
		"0|1|0|100|" + sandbox + "/a/f|",
		"0|1|0|0|" + sandbox + "/empty|",
		"0|1|0|10|" + sandbox + "/d/sparse|",
		"0|1|2000000|10|" + sandbox + "/d/sparse|",
		"0|0|0|0|" + sandbox + "/unsure|",
	})

	stats, err := Run(config)
	require.Nil(err)

	assert.Equal(uint64(7), stats.Records)
	assert.Equal(uint64(1), stats.Skipped)
	assert.Equal(uint64(3), stats.FilesCreated)
	assert.Equal(uint64(120), stats.BytesWritten)
	assert.Equal(uint64(4), stats.DirsCreated) // a, a/b, a/b/c, d
	assert.Equal(uint64(0), stats.Trashed)

	info, err := os.Stat(filepath.Join(sandbox, "a", "b", "c"))
	require.Nil(err)
	assert.True(info.IsDir())

	data, err := ioutil.ReadFile(filepath.Join(sandbox, "a", "f"))
	require.Nil(err)
	assert.Equal(100, len(data))
	assert.True(strings.HasPrefix(string(data), "ioreplay init data\n"))

	info, err = os.Stat(filepath.Join(sandbox, "empty"))
	require.Nil(err)
	assert.Equal(int64(0), info.Size())

	info, err = os.Stat(filepath.Join(sandbox, "d", "sparse"))
	require.Nil(err)
	assert.Equal(int64(2000010), info.Size())

	_, err = os.Stat(filepath.Join(sandbox, "unsure"))
	assert.True(os.IsNotExist(err))

	// a second run starts from a fresh sandbox
	stats, err = Run(config)
	require.Nil(err)
	assert.Equal(uint64(1), stats.Trashed)
	assert.Equal(uint64(3), stats.FilesCreated)

	trashed, err := ioutil.ReadDir(filepath.Join(dir, ".ioreplay", trashDir))
	require.Nil(err)
	assert.Equal(1, len(trashed))
	assert.True(strings.HasPrefix(trashed[0].Name(), "test."))
}

func TestKeepSandbox(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir, err := ioutil.TempDir("", "initfs_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	sandbox := filepath.Join(dir, ".ioreplay", "test")
	config := testConfig(dir)
	config.Trash = false

	writeReplayFile(t, config.ReplayFile, "test", nil, []string{"0|1|0|5|" + sandbox + "/f|"})

	stats, err := Run(config)
	require.Nil(err)
	assert.Equal(uint64(1), stats.FilesCreated)

	stats, err = Run(config)
	require.Nil(err)
	assert.Equal(uint64(0), stats.FilesCreated)
	assert.Equal(uint64(5), stats.BytesWritten)
	assert.Equal(uint64(0), stats.Trashed)
}

func TestBadInput(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir, err := ioutil.TempDir("", "initfs_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	config := testConfig(dir)

	_, err = Run(config)
	assert.True(blunder.IsFatal(err), "missing replay file")

	writeReplayFile(t, config.ReplayFile, "test", nil, []string{"0|1|x|5|" + dir + "/f|"})
	_, err = Run(config)
	assert.True(blunder.IsFatal(err), "malformed init record")

	require.Nil(ioutil.WriteFile(config.ReplayFile, []byte("not a replay file\n"), 0644))
	_, err = Run(config)
	assert.True(blunder.IsFatal(err), "missing header")
}

func TestConfigFromConfMap(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Init.ReplayFile=/var/tmp/x.replay",
		"Init.NumThreads=2",
		"Init.User=",
		"Init.ExtraMountPoints=/scratch",
		"Init.Trash=false",
	})
	require.Nil(err)

	config, err := ConfigFromConfMap(confMap)
	require.Nil(err)
	assert.Equal("/var/tmp/x.replay", config.ReplayFile)
	assert.Equal(uint64(2), config.NumThreads)
	assert.Equal("", config.User)
	assert.Equal([]string{"/scratch"}, config.ExtraMountPoints)
	assert.False(config.Trash)
	assert.Equal(".ioreplay", config.SandboxDir)

	_, err = ConfigFromConfMap(conf.MakeConfMap())
	assert.NotNil(err)
}
