package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddEdges_Acyclic(t *testing.T) {
	g := New("batch-1")
	err := g.AddEdges(
		Edge{Predecessor: 1, Successor: 2},
		Edge{Predecessor: 2, Successor: 3},
		Edge{Predecessor: 1, Successor: 3},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	assert.ElementsMatch(t, []uint{1, 2}, g.Predecessors(3))
}

func TestAddEdges_CycleRejectedWhole(t *testing.T) {
	g := New("batch-1")

	// A->B, B->C, C->A is cyclic; nothing from the batch may survive.
	err := g.AddEdges(
		Edge{Predecessor: 1, Successor: 2},
		Edge{Predecessor: 2, Successor: 3},
		Edge{Predecessor: 3, Successor: 1},
	)
	require.Error(t, err)
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.ElementsMatch(t, []uint{1, 2, 3}, cerr.Nodes)
	assert.Equal(t, 0, g.Len(), "no partial edges committed")
	assert.Empty(t, g.Predecessors(2))

	// The same graph still accepts a later acyclic batch.
	err = g.AddEdges(Edge{Predecessor: 1, Successor: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
}

func TestAddEdges_CycleAgainstExistingEdges(t *testing.T) {
	g := New("batch-1")
	require.NoError(t, g.AddEdges(Edge{Predecessor: 1, Successor: 2}))

	// The new batch is acyclic on its own but closes a loop with the
	// committed edge.
	err := g.AddEdges(Edge{Predecessor: 2, Successor: 3}, Edge{Predecessor: 3, Successor: 1})
	require.Error(t, err)

	// Committed state is untouched.
	assert.Equal(t, 2, g.Len())
	assert.Empty(t, g.Predecessors(1))
}

func TestAddEdges_SelfLoop(t *testing.T) {
	g := New("batch-1")
	err := g.AddEdges(Edge{Predecessor: 7, Successor: 7})
	require.Error(t, err)
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []uint{7}, cerr.Nodes)
}

func TestIndependentGraphsValidateIndependently(t *testing.T) {
	bad := New("cyclic-batch")
	err := bad.AddEdges(
		Edge{Predecessor: 1, Successor: 2},
		Edge{Predecessor: 2, Successor: 1},
	)
	require.Error(t, err)

	// An unrelated graph is unaffected by the rejected one.
	good := New("other-batch")
	require.NoError(t, good.AddEdges(Edge{Predecessor: 10, Successor: 11}))
	assert.Equal(t, 2, good.Len())
}

func TestReady(t *testing.T) {
	g := New("batch-1")
	require.NoError(t, g.AddEdges(
		Edge{Predecessor: 1, Successor: 3},
		Edge{Predecessor: 2, Successor: 3},
	))

	assert.True(t, g.Ready(1, nil), "no predecessors means always ready")
	assert.False(t, g.Ready(3, map[uint]bool{1: true}))
	assert.True(t, g.Ready(3, map[uint]bool{1: true, 2: true}))
	assert.True(t, g.Ready(99, nil), "unknown task has no predecessors")
}
