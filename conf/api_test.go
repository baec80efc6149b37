// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateFromStrings(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"Replay.NumWorkers=4",
		"Replay.SpeedFactor = 2.5",
		"Replay.Unthrottled=off",
		"Replay.QueueBackoff=1ms",
		"Generate.HoleTolerance=10MiB",
		"Generate.SupportedFileSystems=ext4, xfs btrfs",
		"Generate.IgnorePrefixes=",
	})
	assert.Nil(err)

	numWorkers, err := confMap.FetchOptionValueUint32("Replay", "NumWorkers")
	assert.Nil(err)
	assert.Equal(uint32(4), numWorkers)

	speedFactor, err := confMap.FetchOptionValueFloat64("Replay", "SpeedFactor")
	assert.Nil(err)
	assert.Equal(2.5, speedFactor)

	unthrottled, err := confMap.FetchOptionValueBool("Replay", "Unthrottled")
	assert.Nil(err)
	assert.False(unthrottled)

	backoff, err := confMap.FetchOptionValueDuration("Replay", "QueueBackoff")
	assert.Nil(err)
	assert.Equal(time.Millisecond, backoff)

	holeTolerance, err := confMap.FetchOptionValueBytes("Generate", "HoleTolerance")
	assert.Nil(err)
	assert.Equal(uint64(10*1024*1024), holeTolerance)

	fsTypes, err := confMap.FetchOptionValueStringSlice("Generate", "SupportedFileSystems")
	assert.Nil(err)
	assert.Equal([]string{"ext4", "xfs", "btrfs"}, fsTypes)

	assert.Nil(confMap.VerifyOptionValueIsEmpty("Generate", "IgnorePrefixes"))
	assert.Nil(confMap.VerifyOptionIsMissing("Generate", "Name"))
	assert.NotNil(confMap.VerifyOptionIsMissing("Replay", "NumWorkers"))

	_, err = confMap.FetchOptionValueString("Generate", "SupportedFileSystems")
	assert.NotNil(err, "multi-valued option must not fetch as a single string")

	_, err = confMap.FetchOptionValueUint32("Missing", "Option")
	assert.NotNil(err)

	assert.NotNil(confMap.UpdateFromString("NoDotHere=1"))
	assert.NotNil(confMap.UpdateFromString("   "))
}

func TestUpdateFromFileWithInclude(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir, err := ioutil.TempDir("", "conf_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	includedPath := filepath.Join(dir, "logging.conf")
	mainPath := filepath.Join(dir, "main.conf")

	require.Nil(ioutil.WriteFile(includedPath, []byte("[Logging]\nLogToConsole : true\n"), 0644))
	require.Nil(ioutil.WriteFile(mainPath, []byte(
		"# test configuration\n"+
			"[Generate]\n"+
			"Name = mytest ; trailing comment\n"+
			"CaptureFile : /var/tmp/mytest.capture\n"+
			"\n"+
			".include logging.conf\n"+
			"\n"+
			"[Replay]\n"+
			"NumWorkers: 2\n"), 0644))

	confMap, err := MakeConfMapFromFile(mainPath)
	require.Nil(err)

	name, err := confMap.FetchOptionValueString("Generate", "Name")
	assert.Nil(err)
	assert.Equal("mytest", name)

	captureFile, err := confMap.FetchOptionValueString("Generate", "CaptureFile")
	assert.Nil(err)
	assert.Equal("/var/tmp/mytest.capture", captureFile)

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	assert.Nil(err)
	assert.True(logToConsole)

	numWorkers, err := confMap.FetchOptionValueUint64("Replay", "NumWorkers")
	assert.Nil(err)
	assert.Equal(uint64(2), numWorkers)

	require.Nil(ioutil.WriteFile(mainPath, []byte("Orphan = 1\n"), 0644))
	_, err = MakeConfMapFromFile(mainPath)
	assert.NotNil(err)
}

func TestDumpConfMapToFile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir, err := ioutil.TempDir("", "conf_test")
	require.Nil(err)
	defer os.RemoveAll(dir)

	confMap, err := MakeConfMapFromStrings([]string{
		"Replay.ReplayFile=/var/tmp/x.replay",
		"Replay.NumWorkers=3",
		"Generate.SupportedFileSystems=ext4,xfs",
	})
	require.Nil(err)

	dumpPath := filepath.Join(dir, "dump.conf")
	require.Nil(confMap.DumpConfMapToFile(dumpPath, 0600))

	reloaded, err := MakeConfMapFromFile(dumpPath)
	require.Nil(err)
	assert.Equal(confMap, reloaded)
}
