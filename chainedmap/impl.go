// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package chainedmap

import (
	"fmt"
	"sync"
)

const (
	nilIndex       int32  = -1
	defaultStripes uint64 = 64
)

type entryKey struct {
	s string
	i uint64
}

type node struct {
	key   entryKey
	value interface{}
	next  int32
}

// bucket b is guarded by stripes[b % len(stripes)]; its indices address that
// stripe's arena.
type bucket struct {
	slot  int32
	chain int32
}

type stripe struct {
	sync.Mutex
	nodes []node
	free  []int32
	count int
}

type table struct {
	size    uint64
	hashFn  HashFunc
	owned   bool
	buckets []bucket
	stripes []stripe
}

type pair struct {
	key   entryKey
	value interface{}
}

func newTable(config Config) (t *table) {
	var (
		numStripes = config.Stripes
	)

	if 0 == config.Size {
		panic("chainedmap: Size must be non-zero")
	}
	if 0 == numStripes {
		numStripes = defaultStripes
	}
	if numStripes > config.Size {
		numStripes = config.Size
	}

	t = &table{
		size:    config.Size,
		hashFn:  config.Hash,
		owned:   config.Owned,
		buckets: make([]bucket, config.Size),
		stripes: make([]stripe, numStripes),
	}

	for b := range t.buckets {
		t.buckets[b] = bucket{slot: nilIndex, chain: nilIndex}
	}

	return
}

func (t *table) hash(key string) uint64 {
	return t.hashFn(key)
}

func (t *table) lock(hash uint64) (bk *bucket, st *stripe) {
	b := hash % t.size
	bk = &t.buckets[b]
	st = &t.stripes[b%uint64(len(t.stripes))]
	st.Lock()
	return
}

func (st *stripe) alloc(key entryKey, value interface{}) (index int32) {
	if 0 < len(st.free) {
		index = st.free[len(st.free)-1]
		st.free = st.free[:len(st.free)-1]
	} else {
		index = int32(len(st.nodes))
		st.nodes = append(st.nodes, node{})
	}
	st.nodes[index] = node{key: key, value: value, next: nilIndex}
	st.count++
	return
}

func (st *stripe) release(index int32) (value interface{}) {
	value = st.nodes[index].value
	st.nodes[index] = node{next: nilIndex}
	st.free = append(st.free, index)
	st.count--
	return
}

// find returns the chain node holding key and its predecessor (nilIndex if
// key heads the chain).
func (st *stripe) find(bk *bucket, key entryKey) (index int32, prev int32) {
	prev = nilIndex
	for index = bk.chain; nilIndex != index; index = st.nodes[index].next {
		if st.nodes[index].key == key {
			return
		}
		prev = index
	}
	return
}

func (t *table) insert(key entryKey, hash uint64, value interface{}) (inserted bool) {
	if nil == value {
		panic(fmt.Sprintf("chainedmap: nil value inserted for key %+v", key))
	}

	bk, st := t.lock(hash)
	defer st.Unlock()

	inserted = st.insertLocked(bk, key, value)
	return
}

func (st *stripe) insertLocked(bk *bucket, key entryKey, value interface{}) (inserted bool) {
	if nilIndex != bk.slot {
		if st.nodes[bk.slot].key == key {
			inserted = false
			return
		}
		index := st.alloc(key, value)
		st.nodes[bk.slot].next = index
		bk.chain = bk.slot
		bk.slot = nilIndex
		inserted = true
		return
	}

	if nilIndex != bk.chain {
		if found, _ := st.find(bk, key); nilIndex != found {
			inserted = false
			return
		}
		index := st.alloc(key, value)
		st.nodes[index].next = bk.chain
		bk.chain = index
		inserted = true
		return
	}

	bk.slot = st.alloc(key, value)
	inserted = true
	return
}

func (t *table) get(key entryKey, hash uint64) (value interface{}, ok bool) {
	bk, st := t.lock(hash)
	defer st.Unlock()

	if (nilIndex != bk.slot) && (st.nodes[bk.slot].key == key) {
		value, ok = st.nodes[bk.slot].value, true
		return
	}
	if found, _ := st.find(bk, key); nilIndex != found {
		value, ok = st.nodes[found].value, true
	}
	return
}

func (t *table) remove(key entryKey, hash uint64) (value interface{}, ok bool) {
	bk, st := t.lock(hash)
	defer st.Unlock()

	if nilIndex != bk.slot {
		if st.nodes[bk.slot].key == key {
			value, ok = st.release(bk.slot), true
			bk.slot = nilIndex
		}
		return
	}

	found, prev := st.find(bk, key)
	if nilIndex == found {
		return
	}
	if nilIndex == prev {
		bk.chain = st.nodes[found].next
	} else {
		st.nodes[prev].next = st.nodes[found].next
	}
	value, ok = st.release(found), true
	return
}

func (t *table) replace(key entryKey, hash uint64, value interface{}) (previous interface{}, ok bool) {
	if nil == value {
		panic(fmt.Sprintf("chainedmap: nil value replaced for key %+v", key))
	}

	bk, st := t.lock(hash)
	defer st.Unlock()

	if (nilIndex != bk.slot) && (st.nodes[bk.slot].key == key) {
		previous, ok = st.nodes[bk.slot].value, true
		st.nodes[bk.slot].value = value
		return
	}
	if found, _ := st.find(bk, key); nilIndex != found {
		previous, ok = st.nodes[found].value, true
		st.nodes[found].value = value
		return
	}

	_ = st.insertLocked(bk, key, value)
	return
}

// removeMatching removes matching entries one stripe at a time. removed is
// called with no lock held.
func (t *table) removeMatching(match func(key entryKey) bool, removed func(key entryKey, value interface{})) (count int) {
	var (
		numStripes = uint64(len(t.stripes))
		victims    []pair
	)

	for s := uint64(0); s < numStripes; s++ {
		st := &t.stripes[s]
		victims = victims[:0]

		st.Lock()
		for b := s; b < t.size; b += numStripes {
			bk := &t.buckets[b]
			if (nilIndex != bk.slot) && match(st.nodes[bk.slot].key) {
				key := st.nodes[bk.slot].key
				victims = append(victims, pair{key: key, value: st.release(bk.slot)})
				bk.slot = nilIndex
			}
			prev := nilIndex
			index := bk.chain
			for nilIndex != index {
				next := st.nodes[index].next
				if match(st.nodes[index].key) {
					if nilIndex == prev {
						bk.chain = next
					} else {
						st.nodes[prev].next = next
					}
					key := st.nodes[index].key
					victims = append(victims, pair{key: key, value: st.release(index)})
				} else {
					prev = index
				}
				index = next
			}
		}
		st.Unlock()

		for _, victim := range victims {
			removed(victim.key, victim.value)
		}
		count += len(victims)
	}

	return
}

func (st *stripe) snapshot() (pairs []pair) {
	pairs = make([]pair, 0, st.count)
	for _, n := range st.nodes {
		if nil != n.value {
			pairs = append(pairs, pair{key: n.key, value: n.value})
		}
	}
	return
}

func (t *table) walk(visit func(key entryKey, value interface{}) bool) {
	for s := range t.stripes {
		st := &t.stripes[s]
		st.Lock()
		pairs := st.snapshot()
		st.Unlock()

		for _, p := range pairs {
			if !visit(p.key, p.value) {
				return
			}
		}
	}
}

func (t *table) len() (n int) {
	for s := range t.stripes {
		st := &t.stripes[s]
		st.Lock()
		n += st.count
		st.Unlock()
	}
	return
}

func (t *table) reset() {
	var (
		numStripes = uint64(len(t.stripes))
	)

	for s := uint64(0); s < numStripes; s++ {
		st := &t.stripes[s]

		st.Lock()
		pairs := st.snapshot()
		for b := s; b < t.size; b += numStripes {
			t.buckets[b] = bucket{slot: nilIndex, chain: nilIndex}
		}
		st.nodes = nil
		st.free = nil
		st.count = 0
		st.Unlock()

		if !t.owned {
			continue
		}
		for _, p := range pairs {
			if destroyer, ok := p.value.(Destroyer); ok {
				destroyer.Destroy()
			}
		}
	}
}
