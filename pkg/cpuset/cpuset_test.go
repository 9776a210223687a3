package cpuset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kernel-agent/pkg/topology"
	"github.com/cuemby/kernel-agent/pkg/types"
)

func twoNodeTopology() topology.CoreTopology {
	return topology.CoreTopology{Nodes: map[int][]int{
		0: {0, 1, 2, 3},
		1: {4, 5, 6, 7},
	}}
}

func TestAllocPrefersNodeWithMostFreeCores(t *testing.T) {
	a := New(twoNodeTopology())

	set, err := a.Alloc(2)
	require.NoError(t, err)
	assert.Equal(t, 0, set.NumaNode, "expected node 0 (tie broken by lowest id)")
	assert.Equal(t, []int{0, 1}, set.Cores, "expected lowest two cores")

	// Node 0 now has 2 free, node 1 has 4 free: next alloc must prefer node 1.
	set2, err := a.Alloc(2)
	require.NoError(t, err)
	assert.Equal(t, 1, set2.NumaNode, "expected node 1 to be preferred")
}

func TestAllocClampsToTotal(t *testing.T) {
	a := New(twoNodeTopology())
	set, err := a.Alloc(1000)
	require.NoError(t, err)
	assert.LessOrEqual(t, set.Len(), 4, "expected alloc clamped to a single node's capacity")
}

func TestAllocZeroIsError(t *testing.T) {
	a := New(twoNodeTopology())
	_, err := a.Alloc(0)
	assert.Error(t, err)
}

func TestFreeThenAllocDoesNotIntersectLiveSets(t *testing.T) {
	a := New(twoNodeTopology())

	first, err := a.Alloc(3)
	require.NoError(t, err)
	second, err := a.Alloc(1)
	require.NoError(t, err)
	assert.True(t, first.Disjoint(second), "expected disjoint sets")

	a.Free(first)
	third, err := a.Alloc(2)
	require.NoError(t, err)
	assert.True(t, third.Disjoint(second), "re-allocated set intersects still-live set")
}

func TestFreeUnknownCoreIsTolerated(t *testing.T) {
	a := New(twoNodeTopology())
	assert.NotPanics(t, func() {
		a.Free(types.NewCoreSet(0, []int{99}))
	})
}

func TestAllocReturnsSingleNode(t *testing.T) {
	a := New(twoNodeTopology())
	set, err := a.Alloc(2)
	require.NoError(t, err)
	for _, c := range set.Cores {
		assert.Contains(t, twoNodeTopology().Nodes[set.NumaNode], c)
	}
}

func TestFreeByNodeReflectsAllocations(t *testing.T) {
	a := New(twoNodeTopology())
	before := a.FreeByNode()
	require.NotZero(t, before[0], "expected node 0 to start with free cores")
	require.NotZero(t, before[1], "expected node 1 to start with free cores")

	set, err := a.Alloc(before[0])
	require.NoError(t, err)

	after := a.FreeByNode()
	assert.Equal(t, 0, after[set.NumaNode], "expected node %d fully drained", set.NumaNode)

	a.Free(set)
	restored := a.FreeByNode()
	assert.Equal(t, before[set.NumaNode], restored[set.NumaNode], "expected node %d restored", set.NumaNode)
}
