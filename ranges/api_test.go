// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ranges

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tree := New(0)

	require.Nil(tree.Add(0, 23))
	require.Nil(tree.Add(10, 10))
	require.Nil(tree.Add(22, 25))

	intervals, err := tree.Intervals()
	require.Nil(err)
	assert.Equal([]Interval{{Start: 0, End: 25}}, intervals)

	require.Nil(tree.Add(300, 325))
	numIntervals, err := tree.Len()
	require.Nil(err)
	assert.Equal(2, numIntervals)

	end, ok, err := tree.Get(300)
	require.Nil(err)
	assert.True(ok)
	assert.Equal(uint64(325), end)

	_, ok, err = tree.Get(301)
	require.Nil(err)
	assert.False(ok)
}

func TestExactStartExtends(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tree := New(0)

	require.Nil(tree.Add(100, 110))
	require.Nil(tree.Add(100, 105))
	end, _, _ := tree.Get(100)
	assert.Equal(uint64(110), end)

	require.Nil(tree.Add(100, 150))
	end, _, _ = tree.Get(100)
	assert.Equal(uint64(150), end)
}

func TestBridgingSuccessors(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tree := New(0)

	require.Nil(tree.Add(10, 20))
	require.Nil(tree.Add(30, 40))
	require.Nil(tree.Add(50, 60))
	require.Nil(tree.Add(0, 5))

	require.Nil(tree.Add(5, 55))

	intervals, err := tree.Intervals()
	require.Nil(err)
	assert.Equal([]Interval{{Start: 0, End: 60}}, intervals)
}

func TestHoleTolerance(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tree := New(100)

	require.Nil(tree.Add(0, 10))
	require.Nil(tree.Add(50, 60))
	require.Nil(tree.Add(1000, 1010))
	require.Nil(tree.Add(950, 960))

	intervals, err := tree.Intervals()
	require.Nil(err)
	assert.Equal([]Interval{{Start: 0, End: 60}, {Start: 950, End: 1010}}, intervals)
}

func TestCovers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tree := New(0)

	covered, err := tree.Covers(0, 1)
	require.Nil(err)
	assert.False(covered)

	require.Nil(tree.Add(100, 200))

	covered, _ = tree.Covers(100, 200)
	assert.True(covered)
	covered, _ = tree.Covers(150, 160)
	assert.True(covered)
	covered, _ = tree.Covers(150, 201)
	assert.False(covered)
	covered, _ = tree.Covers(50, 60)
	assert.False(covered)

	assert.NotNil(tree.Add(10, 5))
}
