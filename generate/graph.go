// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package generate

import (
	"github.com/NVIDIA/ioreplay/chainedmap"
)

const noNode = int32(-1)

type graphNode struct {
	record uint64 // body record number
	thread uint64 // virtual path id the record is replayed under
	prev   int32  // previous operation on the same path
}

// depGraph records, for every path, the chain of records that touch it. Replay
// orders records only within one virtual path id, so a chain that changes id
// (a rename target used afterwards, say) is an ordering replay does not
// enforce.
type depGraph struct {
	nodes []graphNode
	tails *chainedmap.StringMap // path -> int32 index of the newest node
}

func newDepGraph(size uint64) *depGraph {
	return &depGraph{
		nodes: make([]graphNode, 0, 1024),
		tails: chainedmap.NewStringMap(chainedmap.Config{Size: size}),
	}
}

func (graph *depGraph) tail(p string) int32 {
	value, ok := graph.tails.Get(p)
	if !ok {
		return noNode
	}
	return value.(int32)
}

func (graph *depGraph) insert(p string, record uint64, thread uint64) {
	node := graphNode{
		record: record,
		thread: thread,
		prev:   graph.tail(p),
	}

	graph.nodes = append(graph.nodes, node)
	graph.tails.Replace(p, int32(len(graph.nodes)-1))
}

// crossThreadEdges counts dependencies between records replayed under
// different virtual path ids.
func (graph *depGraph) crossThreadEdges() (count uint64) {
	for i := range graph.nodes {
		node := &graph.nodes[i]
		if (noNode != node.prev) && (graph.nodes[node.prev].thread != node.thread) {
			count++
		}
	}
	return
}
