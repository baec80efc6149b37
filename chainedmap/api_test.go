// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package chainedmap

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testStringMap(t *testing.T, m *StringMap) {
	assert := assert.New(t)

	assert.True(m.Insert("someval", 23))
	assert.True(m.Insert("another value", 123))
	assert.True(m.Insert("ioreplay", "x"))
	assert.False(m.Insert("ioreplay", "y"))
	assert.True(m.Insert("is", "is"))
	assert.True(m.Insert("hiring", "hiring"))
	assert.Equal(5, m.Len())

	value, ok := m.Get("ioreplay")
	assert.True(ok)
	assert.Equal("x", value)
	_, ok = m.Get("IOREPLAY")
	assert.False(ok)

	value, ok = m.Remove("ioreplay")
	assert.True(ok)
	assert.Equal("x", value)
	_, ok = m.Remove("ioreplay")
	assert.False(ok)

	assert.True(m.Insert("ioreplay", "z"))
	value, _ = m.Get("ioreplay")
	assert.Equal("z", value)

	value, ok = m.Get("someval")
	assert.True(ok)
	assert.Equal(23, value)

	value, ok = m.Remove("another value")
	assert.True(ok)
	assert.Equal(123, value)
	_, ok = m.Get("another value")
	assert.False(ok)

	previous, ok := m.Replace("someval", 24)
	assert.True(ok)
	assert.Equal(23, previous)
	_, ok = m.Replace("fresh", 1)
	assert.False(ok)
	value, _ = m.Get("fresh")
	assert.Equal(1, value)

	assert.Equal(5, m.Len())
}

func TestStringMapSparse(t *testing.T) {
	testStringMap(t, NewStringMap(Config{Size: 1024}))
}

func TestStringMapHeavyCollision(t *testing.T) {
	testStringMap(t, NewStringMap(Config{Size: 2}))
	testStringMap(t, NewStringMap(Config{Size: 1}))
}

func TestStringMapCityHash(t *testing.T) {
	testStringMap(t, NewStringMap(Config{Size: 3, Hash: HashCity}))
}

func TestHashDJB2(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint64(5381), HashDJB2(""))
	assert.Equal(uint64(5381*33+'a'), HashDJB2("a"))
}

func TestIntMap(t *testing.T) {
	assert := assert.New(t)

	for _, size := range []uint64{1, 2, 1024} {
		m := NewIntMap(Config{Size: size})

		assert.True(m.Insert(1, 23))
		assert.True(m.Insert(5, 123))
		assert.True(m.Insert(3, "three"))
		assert.False(m.Insert(3, "again"))
		assert.True(m.Insert(4, "four"))
		assert.True(m.Insert(6, "six"))

		value, ok := m.Get(3)
		assert.True(ok)
		assert.Equal("three", value)
		_, ok = m.Get(7)
		assert.False(ok)

		_, ok = m.Remove(3)
		assert.True(ok)
		_, ok = m.Remove(3)
		assert.False(ok)
		assert.True(m.Insert(3, "three"))

		value, ok = m.Remove(5)
		assert.True(ok)
		assert.Equal(123, value)
		_, ok = m.Get(5)
		assert.False(ok)

		assert.Equal(4, m.Len())
	}
}

func TestSizeIndependence(t *testing.T) {
	assert := assert.New(t)

	small := NewStringMap(Config{Size: 3})
	large := NewStringMap(Config{Size: 4096})

	for _, m := range []*StringMap{small, large} {
		for i := 0; i < 500; i++ {
			m.Insert(fmt.Sprintf("key-%d", i), i)
		}
		for i := 0; i < 500; i += 3 {
			m.Remove(fmt.Sprintf("key-%d", i))
		}
		for i := 0; i < 500; i += 7 {
			m.Replace(fmt.Sprintf("key-%d", i), -i)
		}
	}

	dump := func(m *StringMap) map[string]interface{} {
		out := make(map[string]interface{})
		m.Walk(func(key string, value interface{}) bool {
			out[key] = value
			return true
		})
		return out
	}

	assert.Equal(small.Len(), large.Len())
	assert.Equal(dump(small), dump(large))
}

func TestRemoveMatchingPrefix(t *testing.T) {
	assert := assert.New(t)

	m := NewStringMap(Config{Size: 4})
	m.Insert("5:7", "fd7")
	m.Insert("5:9", "fd9")
	m.Insert("55:7", "other process")
	m.Insert("6:7", "fd7 of 6")

	var removed []string
	count := m.RemoveMatchingPrefix("5:", func(key string, value interface{}) {
		removed = append(removed, key)
	})
	sort.Strings(removed)

	assert.Equal(2, count)
	assert.Equal([]string{"5:7", "5:9"}, removed)
	assert.Equal(2, m.Len())
	_, ok := m.Get("55:7")
	assert.True(ok)

	assert.Equal(0, m.RemoveMatchingPrefix("5:", nil))
}

func TestRemoveMatchingPrefixFromChains(t *testing.T) {
	assert := assert.New(t)

	// a single bucket puts all but the first key on its chain
	m := NewStringMap(Config{Size: 1})
	for _, key := range []string{"7:1", "7:2", "8:1", "7:3"} {
		assert.True(m.Insert(key, "fd "+key))
	}

	removed := make(map[string]interface{})
	count := m.RemoveMatchingPrefix("7:", func(key string, value interface{}) {
		removed[key] = value
	})

	assert.Equal(3, count)
	assert.Equal(map[string]interface{}{"7:1": "fd 7:1", "7:2": "fd 7:2", "7:3": "fd 7:3"}, removed)
	value, ok := m.Get("8:1")
	assert.True(ok)
	assert.Equal("fd 8:1", value)
}

type destroyable struct {
	destroyed *int
}

func (d *destroyable) Destroy() {
	*d.destroyed++
}

func TestOwnedReset(t *testing.T) {
	assert := assert.New(t)

	destroyed := 0

	owned := NewIntMap(Config{Size: 2, Owned: true})
	for i := uint64(0); i < 10; i++ {
		owned.Insert(i, &destroyable{destroyed: &destroyed})
	}
	owned.Reset()
	assert.Equal(10, destroyed)
	assert.Equal(0, owned.Len())
	assert.True(owned.Insert(1, "reusable"))

	borrowed := NewIntMap(Config{Size: 2})
	borrowed.Insert(1, &destroyable{destroyed: &destroyed})
	borrowed.Reset()
	assert.Equal(10, destroyed)
}

func TestNilValuePanics(t *testing.T) {
	m := NewStringMap(Config{Size: 8})
	assert.Panics(t, func() { m.Insert("k", nil) })
}

func TestConcurrentAccess(t *testing.T) {
	assert := assert.New(t)

	var wg sync.WaitGroup

	m := NewIntMap(Config{Size: 97, Stripes: 8})

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g uint64) {
			defer wg.Done()
			for i := uint64(0); i < 1000; i++ {
				m.Insert(g*1000+i, i)
			}
			for i := uint64(0); i < 1000; i += 2 {
				m.Remove(g*1000 + i)
			}
		}(uint64(g))
	}
	wg.Wait()

	assert.Equal(8*500, m.Len())
	value, ok := m.Get(3*1000 + 1)
	assert.True(ok)
	assert.Equal(uint64(1), value)
}
