package topology

import "sync"

// InterLevelEdge records a connection that crosses levels, which the
// per-level subgraphs alone cannot represent.
type InterLevelEdge struct {
	From       string
	To         string
	FromLevel  int
	ToLevel    int
	Connection Connection
}

// HierarchicalTopology composes one Graph per integer level plus a shared
// set of inter-level edges, letting callers query a single layer's local
// structure without the cross-layer edges diluting its metrics.
type HierarchicalTopology struct {
	mu         sync.RWMutex
	levels     map[int]*Graph
	nodeLevel  map[string]int
	interLevel []InterLevelEdge
}

// NewHierarchical creates an empty HierarchicalTopology.
func NewHierarchical() *HierarchicalTopology {
	return &HierarchicalTopology{
		levels:    make(map[int]*Graph),
		nodeLevel: make(map[string]int),
	}
}

func (h *HierarchicalTopology) levelGraphLocked(level int) *Graph {
	g, ok := h.levels[level]
	if !ok {
		g = New()
		h.levels[level] = g
	}
	return g
}

// AddNode inserts d into its level's subgraph.
func (h *HierarchicalTopology) AddNode(level int, d UnitDescriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.levelGraphLocked(level).AddNode(d)
	h.nodeLevel[d.ID] = level
}

// AddEdge adds from→to. If both endpoints share a level, the edge is added
// to that level's subgraph; otherwise it becomes an inter-level edge.
func (h *HierarchicalTopology) AddEdge(from, to string, conn Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fromLevel, fromOK := h.nodeLevel[from]
	toLevel, toOK := h.nodeLevel[to]

	if fromOK && toOK && fromLevel == toLevel {
		return h.levelGraphLocked(fromLevel).AddEdge(from, to, conn)
	}

	h.interLevel = append(h.interLevel, InterLevelEdge{
		From: from, To: to, FromLevel: fromLevel, ToLevel: toLevel, Connection: conn,
	})
	return nil
}

// Level returns the subgraph for level, or nil if nothing has been added to
// it.
func (h *HierarchicalTopology) Level(level int) *Graph {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.levels[level]
}

// InterLevelEdges returns every edge that crosses levels.
func (h *HierarchicalTopology) InterLevelEdges() []InterLevelEdge {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]InterLevelEdge, len(h.interLevel))
	copy(out, h.interLevel)
	return out
}

// Levels returns every level index currently in use.
func (h *HierarchicalTopology) Levels() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]int, 0, len(h.levels))
	for lvl := range h.levels {
		out = append(out, lvl)
	}
	return out
}
