// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package chainedmap provides the identifier-to-object hash tables used
// throughout generate and replay.
//
// A map is keyed either by string (StringMap) or by integer (IntMap). A
// bucket holds at most one entry directly; the first colliding key promotes
// the bucket to a chain holding both entries and the direct slot is cleared.
// String keys are hashed with DJB2 unless another HashFunc is supplied.
//
// Entries live in index-addressed arenas rather than linked by pointer.
// Buckets are striped across a fixed number of arenas, each guarded by its
// own mutex, so unrelated keys rarely contend.
//
// Values are borrowed unless the map is created with Owned set, in which case
// every value still present at Reset that implements Destroyer is destroyed.
package chainedmap

import (
	"github.com/creachadair/cityhash"
)

// Destroyer is implemented by values that release resources when an owning
// map is reset.
type Destroyer interface {
	Destroy()
}

// HashFunc maps a string key to a bucket-independent hash.
type HashFunc func(key string) uint64

type Config struct {
	Size    uint64   // number of buckets
	Stripes uint64   // number of independently locked arenas; 0 means a default
	Hash    HashFunc // string keys only; nil means HashDJB2
	Owned   bool     // destroy values on Reset
}

// HashDJB2 is hash*33 + c over the key bytes, seeded with 5381.
func HashDJB2(key string) (hash uint64) {
	hash = 5381
	for i := 0; i < len(key); i++ {
		hash = (hash << 5) + hash + uint64(key[i])
	}
	return
}

// HashCity is CityHash64 over the key bytes.
func HashCity(key string) uint64 {
	return cityhash.Hash64([]byte(key))
}

type StringMap struct {
	t *table
}

type IntMap struct {
	t *table
}

func NewStringMap(config Config) *StringMap {
	if nil == config.Hash {
		config.Hash = HashDJB2
	}
	return &StringMap{t: newTable(config)}
}

func NewIntMap(config Config) *IntMap {
	return &IntMap{t: newTable(config)}
}

// Insert adds key. It returns false, leaving the stored value unchanged, if
// key is already present. A nil value panics.
func (m *StringMap) Insert(key string, value interface{}) (inserted bool) {
	return m.t.insert(entryKey{s: key}, m.t.hash(key), value)
}

func (m *StringMap) Get(key string) (value interface{}, ok bool) {
	return m.t.get(entryKey{s: key}, m.t.hash(key))
}

func (m *StringMap) Remove(key string) (value interface{}, ok bool) {
	return m.t.remove(entryKey{s: key}, m.t.hash(key))
}

// Replace stores value under key and returns what it displaced, if anything.
func (m *StringMap) Replace(key string, value interface{}) (previous interface{}, ok bool) {
	return m.t.replace(entryKey{s: key}, m.t.hash(key), value)
}

// RemoveMatchingPrefix removes every key beginning with prefix, handing each
// removed pair to removed (if non-nil), and returns how many were removed.
// Callers use it to drop all descriptors of a process via a "<pid>:" prefix.
func (m *StringMap) RemoveMatchingPrefix(prefix string, removed func(key string, value interface{})) (count int) {
	return m.t.removeMatching(func(key entryKey) bool {
		return (len(key.s) >= len(prefix)) && (key.s[:len(prefix)] == prefix)
	}, func(key entryKey, value interface{}) {
		if nil != removed {
			removed(key.s, value)
		}
	})
}

// Walk calls visit for every entry until visit returns false. Each stripe is
// snapshotted before its entries are visited, so visit may modify the map.
func (m *StringMap) Walk(visit func(key string, value interface{}) bool) {
	m.t.walk(func(key entryKey, value interface{}) bool { return visit(key.s, value) })
}

func (m *StringMap) Len() int {
	return m.t.len()
}

// Reset empties the map, destroying owned values.
func (m *StringMap) Reset() {
	m.t.reset()
}

func (m *IntMap) Insert(key uint64, value interface{}) (inserted bool) {
	return m.t.insert(entryKey{i: key}, key, value)
}

func (m *IntMap) Get(key uint64) (value interface{}, ok bool) {
	return m.t.get(entryKey{i: key}, key)
}

func (m *IntMap) Remove(key uint64) (value interface{}, ok bool) {
	return m.t.remove(entryKey{i: key}, key)
}

func (m *IntMap) Replace(key uint64, value interface{}) (previous interface{}, ok bool) {
	return m.t.replace(entryKey{i: key}, key, value)
}

func (m *IntMap) Walk(visit func(key uint64, value interface{}) bool) {
	m.t.walk(func(key entryKey, value interface{}) bool { return visit(key.i, value) })
}

func (m *IntMap) Len() int {
	return m.t.len()
}

func (m *IntMap) Reset() {
	m.t.reset()
}
