// Package cpuset implements the NUMA-preferring CPU allocator: disjoint
// core sets handed out per kernel and returned to the pool on teardown.
//
// The allocator is deliberately not safe for concurrent use on its own —
// KernelLifecycle serializes every Alloc/Free call, the same way a single
// cooperative event loop would never interleave two mutations of the same
// map. Adding a mutex here would hide that invariant instead of expressing
// it.
package cpuset

import (
	"fmt"
	"sort"

	"github.com/cuemby/kernel-agent/pkg/topology"
	"github.com/cuemby/kernel-agent/pkg/types"
)

// Allocator hands out disjoint CoreSets from a fixed topology, preferring
// whichever NUMA node currently has the most free cores.
type Allocator struct {
	total int
	// free[node] is the sorted set of currently unallocated cores on that
	// NUMA node.
	free map[int][]int
}

// New builds an Allocator whose pool starts out as every core in topo.
func New(topo topology.CoreTopology) *Allocator {
	free := make(map[int][]int, len(topo.Nodes))
	total := 0
	for node, cores := range topo.Nodes {
		cp := make([]int, len(cores))
		copy(cp, cores)
		sort.Ints(cp)
		free[node] = cp
		total += len(cores)
	}
	return &Allocator{total: total, free: free}
}

// Total returns the number of cores the allocator was initialized with.
func (a *Allocator) Total() int { return a.total }

// FreeCount returns the number of currently unallocated cores, across all
// NUMA nodes.
func (a *Allocator) FreeCount() int {
	n := 0
	for _, cores := range a.free {
		n += len(cores)
	}
	return n
}

// Alloc reserves the numerically lowest min(n, node_capacity) free cores
// on whichever NUMA node currently has the most free cores. n is clamped
// to the allocator's total core count. Alloc(0) is a programmer error.
func (a *Allocator) Alloc(n int) (types.CoreSet, error) {
	if n <= 0 {
		return types.CoreSet{}, fmt.Errorf("cpuset: alloc(%d): n must be positive", n)
	}
	if n > a.total {
		n = a.total
	}

	bestNode := -1
	bestFree := -1
	for _, node := range sortedKeys(a.free) {
		if len(a.free[node]) > bestFree {
			bestFree = len(a.free[node])
			bestNode = node
		}
	}
	if bestNode == -1 || bestFree == 0 {
		return types.CoreSet{}, fmt.Errorf("cpuset: no free cores available")
	}

	take := n
	if take > bestFree {
		take = bestFree
	}

	cores := a.free[bestNode]
	granted := make([]int, take)
	copy(granted, cores[:take])
	a.free[bestNode] = cores[take:]

	return types.NewCoreSet(bestNode, granted), nil
}

// Free returns a CoreSet's cores to the pool. Freeing a set containing
// cores the allocator never granted (or has already freed) is tolerated —
// cleanup paths call Free idempotently.
func (a *Allocator) Free(set types.CoreSet) {
	if len(set.Cores) == 0 {
		return
	}
	existing := a.free[set.NumaNode]
	seen := make(map[int]struct{}, len(existing))
	for _, c := range existing {
		seen[c] = struct{}{}
	}
	for _, c := range set.Cores {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		existing = append(existing, c)
	}
	sort.Ints(existing)
	a.free[set.NumaNode] = existing
}

// FreeByNode reports the current free-core count per NUMA node, for
// observability (the periodic tick's per-node free-core gauge).
func (a *Allocator) FreeByNode() map[int]int {
	out := make(map[int]int, len(a.free))
	for node, cores := range a.free {
		out[node] = len(cores)
	}
	return out
}

func sortedKeys(m map[int][]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
