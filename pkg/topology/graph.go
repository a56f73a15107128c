// Package topology implements the directed graph of units and connections
// the router consults to resolve neighbors and compute routes.
package topology

import (
	"container/heap"
	"sync"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

// ConnectionKind classifies an edge's propagation direction.
type ConnectionKind int

const (
	Forward ConnectionKind = iota
	Backward
	Lateral
	Recurrent
)

// Capability is a named, versioned ability a unit advertises.
type Capability struct {
	Name        string
	Version     string
	Performance float64
}

// ResourceRequirements is a unit's expected resource footprint.
type ResourceRequirements struct {
	CPUCores     float64
	MemoryMB     int64
	BandwidthMbps float64
}

// UnitDescriptor describes a graph node.
type UnitDescriptor struct {
	ID           string
	UnitType     string
	Layer        int
	Capabilities []Capability
	Resources    ResourceRequirements
}

// Connection describes a directed edge.
type Connection struct {
	Kind           ConnectionKind
	Weight         float32
	LatencyMS      float32
	BandwidthLimit *float32
	Properties     map[string]string
}

// Metrics summarizes graph-theoretic properties of a Graph.
type Metrics struct {
	TotalUnits             int
	TotalConnections        int
	AverageDegree           float64
	ClusteringCoefficient   float64
	Diameter                int
}

// Graph is a directed graph of UnitDescriptor nodes and Connection edges,
// with per-node and per-edge attribute maps and single-writer/multi-reader
// locking.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]UnitDescriptor
	// out[a][b] is the edge a→b.
	out map[string]map[string]Connection
	in  map[string]map[string]struct{}
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]UnitDescriptor),
		out:   make(map[string]map[string]Connection),
		in:    make(map[string]map[string]struct{}),
	}
}

// AddNode inserts or replaces a node.
func (g *Graph) AddNode(d UnitDescriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[d.ID] = d
	if g.out[d.ID] == nil {
		g.out[d.ID] = make(map[string]Connection)
	}
	if g.in[d.ID] == nil {
		g.in[d.ID] = make(map[string]struct{})
	}
}

// RemoveNode drops id and every edge incident to it.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeNodeLocked(id)
}

func (g *Graph) removeNodeLocked(id string) {
	for to := range g.out[id] {
		delete(g.in[to], id)
	}
	delete(g.out, id)
	for from := range g.in[id] {
		delete(g.out[from], id)
	}
	delete(g.in, id)
	delete(g.nodes, id)
}

// AddEdge adds or replaces the from→to connection. Both endpoints must
// already exist as nodes.
func (g *Graph) AddEdge(from, to string, conn Connection) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return hal9errors.NotFound("node", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return hal9errors.NotFound("node", to)
	}

	g.out[from][to] = conn
	g.in[to][from] = struct{}{}
	return nil
}

// RemoveEdge drops the from→to connection, if any.
func (g *Graph) RemoveEdge(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.out[from], to)
	delete(g.in[to], from)
}

// GetNode returns id's descriptor.
func (g *Graph) GetNode(id string) (UnitDescriptor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.nodes[id]
	return d, ok
}

// Neighbor pairs a neighbor node id with the edge reaching it.
type Neighbor struct {
	ID         string
	Connection Connection
}

// GetNeighbors returns id's outgoing edges.
func (g *Graph) GetNeighbors(id string) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Neighbor, 0, len(g.out[id]))
	for to, conn := range g.out[id] {
		out = append(out, Neighbor{ID: to, Connection: conn})
	}
	return out
}

// pqItem is a node queued for Dijkstra.
type pqItem struct {
	id   string
	dist float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)         { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// ShortestPath runs Dijkstra with unit edge weights and reconstructs the
// full path from from to to via parent tracking, rather than reporting
// only whether to is reachable.
func (g *Graph) ShortestPath(from, to string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[from]; !ok {
		return nil, false
	}
	if _, ok := g.nodes[to]; !ok {
		return nil, false
	}
	if from == to {
		return []string{from}, true
	}

	dist := map[string]float64{from: 0}
	prev := map[string]string{}
	visited := map[string]bool{}

	pq := &priorityQueue{{id: from, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true
		if cur.id == to {
			break
		}

		for neighborID := range g.out[cur.id] {
			if visited[neighborID] {
				continue
			}
			next := cur.dist + 1
			if d, ok := dist[neighborID]; !ok || next < d {
				dist[neighborID] = next
				prev[neighborID] = cur.id
				heap.Push(pq, pqItem{id: neighborID, dist: next})
			}
		}
	}

	if !visited[to] {
		return nil, false
	}

	path := []string{to}
	for cur := to; cur != from; {
		p, ok := prev[cur]
		if !ok {
			return nil, false
		}
		path = append(path, p)
		cur = p
	}
	reverse(path)
	return path, true
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Metrics computes total_units, total_connections, average_degree,
// clustering_coefficient, and diameter.
func (g *Graph) Metrics() Metrics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	totalUnits := len(g.nodes)
	totalEdges := 0
	for _, edges := range g.out {
		totalEdges += len(edges)
	}

	var avgDegree float64
	if totalUnits > 0 {
		avgDegree = (2.0 * float64(totalEdges)) / float64(totalUnits)
	}

	return Metrics{
		TotalUnits:            totalUnits,
		TotalConnections:      totalEdges,
		AverageDegree:         avgDegree,
		ClusteringCoefficient: g.clusteringCoefficientLocked(),
		Diameter:              g.diameterLocked(),
	}
}

// undirectedNeighborsLocked treats the graph as undirected for clustering
// and diameter purposes (a connection in either direction counts as
// adjacency), matching "are also connected" in the clustering definition.
func (g *Graph) undirectedNeighborsLocked(id string) map[string]struct{} {
	neighbors := make(map[string]struct{})
	for to := range g.out[id] {
		neighbors[to] = struct{}{}
	}
	for from := range g.in[id] {
		neighbors[from] = struct{}{}
	}
	delete(neighbors, id)
	return neighbors
}

func (g *Graph) adjacentLocked(a, b string) bool {
	if _, ok := g.out[a][b]; ok {
		return true
	}
	_, ok := g.out[b][a]
	return ok
}

func (g *Graph) clusteringCoefficientLocked() float64 {
	var total float64
	var counted int

	for id := range g.nodes {
		neighbors := g.undirectedNeighborsLocked(id)
		if len(neighbors) < 2 {
			continue
		}
		ids := make([]string, 0, len(neighbors))
		for n := range neighbors {
			ids = append(ids, n)
		}

		var connectedPairs int
		possible := len(ids) * (len(ids) - 1) / 2
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				if g.adjacentLocked(ids[i], ids[j]) {
					connectedPairs++
				}
			}
		}
		total += float64(connectedPairs) / float64(possible)
		counted++
	}

	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

// diameterLocked runs per-source BFS over the undirected adjacency and
// returns the greatest shortest-path length seen between any reachable
// pair. Floyd-Warshall would also satisfy small graphs but per-source BFS
// scales to the larger topologies a distributed deployment accumulates.
func (g *Graph) diameterLocked() int {
	var diameter int
	for src := range g.nodes {
		dist := map[string]int{src: 0}
		queue := []string{src}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for n := range g.undirectedNeighborsLocked(cur) {
				if _, seen := dist[n]; seen {
					continue
				}
				dist[n] = dist[cur] + 1
				if dist[n] > diameter {
					diameter = dist[n]
				}
				queue = append(queue, n)
			}
		}
	}
	return diameter
}
