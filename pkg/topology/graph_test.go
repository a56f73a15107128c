package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addLinearChain(g *Graph, ids ...string) {
	for _, id := range ids {
		g.AddNode(UnitDescriptor{ID: id})
	}
	for i := 0; i < len(ids)-1; i++ {
		g.AddEdge(ids[i], ids[i+1], Connection{Kind: Forward})
	}
}

func TestAddEdgeRequiresExistingNodes(t *testing.T) {
	g := New()
	g.AddNode(UnitDescriptor{ID: "a"})
	err := g.AddEdge("a", "missing", Connection{})
	require.Error(t, err)
}

func TestRemoveNodeDropsIncidentEdges(t *testing.T) {
	g := New()
	addLinearChain(g, "a", "b", "c")

	g.RemoveNode("b")

	_, ok := g.GetNode("b")
	assert.False(t, ok)
	assert.Empty(t, g.GetNeighbors("a"))
}

func TestShortestPathReconstructsFullPath(t *testing.T) {
	g := New()
	addLinearChain(g, "a", "b", "c", "d")

	path, ok := g.ShortestPath("a", "d")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c", "d"}, path)
}

func TestShortestPathUnreachableReturnsFalse(t *testing.T) {
	g := New()
	g.AddNode(UnitDescriptor{ID: "a"})
	g.AddNode(UnitDescriptor{ID: "b"})

	_, ok := g.ShortestPath("a", "b")
	assert.False(t, ok)
}

func TestShortestPathSameNode(t *testing.T) {
	g := New()
	g.AddNode(UnitDescriptor{ID: "a"})
	path, ok := g.ShortestPath("a", "a")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, path)
}

func TestMetricsOnTriangle(t *testing.T) {
	g := New()
	g.AddNode(UnitDescriptor{ID: "a"})
	g.AddNode(UnitDescriptor{ID: "b"})
	g.AddNode(UnitDescriptor{ID: "c"})
	g.AddEdge("a", "b", Connection{})
	g.AddEdge("b", "c", Connection{})
	g.AddEdge("c", "a", Connection{})

	m := g.Metrics()
	assert.Equal(t, 3, m.TotalUnits)
	assert.Equal(t, 3, m.TotalConnections)
	assert.InDelta(t, 1.0, m.ClusteringCoefficient, 0.001)
	assert.Equal(t, 1, m.Diameter)
}

func TestMetricsOnChainHasZeroClustering(t *testing.T) {
	g := New()
	addLinearChain(g, "a", "b", "c")

	m := g.Metrics()
	assert.Equal(t, 0.0, m.ClusteringCoefficient)
	assert.Equal(t, 2, m.Diameter)
}
