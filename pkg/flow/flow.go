// Package flow implements the Flow Controller: adaptive route selection
// across candidate paths between units, load-aware rebalancing, and
// exponentially-learned per-node routing weights.
package flow

import (
	"math"
	"sort"
	"sync"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

// RoutingStrategy labels why a RoutingDecision picked its targets. It is
// informational only — it doesn't change how candidates are scored.
type RoutingStrategy string

const (
	LoadBalanced RoutingStrategy = "load_balanced"
	ShortestPath RoutingStrategy = "shortest_path"
)

// Route is a pre-computed candidate path between two units.
type Route struct {
	Path        []string
	Cost        float64
	Reliability float64
}

// Load is a node's current utilization snapshot.
type Load struct {
	CurrentLoad float64
	Capacity    float64
	QueueDepth  int
	LastUpdate  time.Time
}

// Target is one routing destination in a RoutingDecision.
type Target struct {
	UnitID   string
	Weight   float64
	Priority int
}

// RoutingDecision is route_forward's result.
type RoutingDecision struct {
	Targets            []Target
	Strategy           RoutingStrategy
	EstimatedLatencyMS float64
}

// ForwardRequest describes what route_forward is routing.
type ForwardRequest struct {
	Src                  string
	Dst                  string
	AvoidUnits           map[string]struct{}
	MaxLatencyMS         float64 // 0 means unset
	RequiredCapabilities []string
	Backward             bool // true for a backward gradient retracing its recorded path
	RecordedPath         []string
}

// Performance is one node's latest processing stats, fed to update_weights.
type Performance struct {
	NodeID           string
	SuccessRate      float64
	ProcessingTimeMS float64
}

// RebalanceReport is balance_load's result.
type RebalanceReport struct {
	VarianceBefore float64
	VarianceAfter  float64
	Adjusted       []string
}

// Metrics is the controller's aggregate view, reported by metrics().
type Metrics struct {
	RoutedCount      uint64
	AverageHops      float64
	AverageLatencyMS float64
	CongestionPoints []string
	Throughput       float64
}

const (
	defaultWeight              = 1.0
	minWeight                  = 0.1
	maxWeight                  = 10.0
	defaultLearningRate        = 0.1
	defaultCongestionThreshold = 0.8
)

// NodeCapabilities is the capability advertisement a route's nodes must
// satisfy for RequiredCapabilities to be honored.
type NodeCapabilities map[string]map[string]struct{}

// Controller is the Flow Controller.
type Controller struct {
	mu     sync.RWMutex
	routes map[routeKey][]Route
	weights map[string]float64
	loads   map[string]Load
	caps    NodeCapabilities

	learningRate        float64
	congestionThreshold float64

	routedCount   uint64
	hopsSum       uint64
	latencySum    float64
	throughputSum float64
	since         time.Time
}

type routeKey struct{ src, dst string }

// Config tunes a Controller's learning rate and congestion threshold.
type Config struct {
	LearningRate        float64
	CongestionThreshold float64
}

func (c Config) withDefaults() Config {
	if c.LearningRate <= 0 {
		c.LearningRate = defaultLearningRate
	}
	if c.CongestionThreshold <= 0 {
		c.CongestionThreshold = defaultCongestionThreshold
	}
	return c
}

// New creates an empty Controller.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		routes:              make(map[routeKey][]Route),
		weights:             make(map[string]float64),
		loads:               make(map[string]Load),
		caps:                make(NodeCapabilities),
		learningRate:        cfg.LearningRate,
		congestionThreshold: cfg.CongestionThreshold,
		since:               time.Now(),
	}
}

// AddRoute registers a candidate path between src and dst.
func (c *Controller) AddRoute(src, dst string, r Route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := routeKey{src, dst}
	c.routes[key] = append(c.routes[key], r)
}

// SetCapabilities records the capability set a node advertises, consulted
// by route_forward's RequiredCapabilities filter.
func (c *Controller) SetCapabilities(nodeID string, capabilities []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{}, len(capabilities))
	for _, cap := range capabilities {
		set[cap] = struct{}{}
	}
	c.caps[nodeID] = set
}

// UpdateLoad records a node's current utilization.
func (c *Controller) UpdateLoad(nodeID string, l Load) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.LastUpdate = time.Now()
	c.loads[nodeID] = l
}

func (c *Controller) weightLocked(nodeID string) float64 {
	if w, ok := c.weights[nodeID]; ok {
		return w
	}
	return defaultWeight
}

func (c *Controller) loadFactorLocked(nodeID string) float64 {
	l, ok := c.loads[nodeID]
	if !ok || l.Capacity <= 0 {
		return 0
	}
	return l.CurrentLoad / l.Capacity
}

func (c *Controller) hasCapabilitiesLocked(path []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, node := range path {
		have := c.caps[node]
		for _, req := range required {
			if _, ok := have[req]; !ok {
				return false
			}
		}
	}
	return true
}

func containsAvoided(path []string, avoid map[string]struct{}) bool {
	for _, n := range path {
		if _, ok := avoid[n]; ok {
			return true
		}
	}
	return false
}

// RouteForward selects the best candidate route for req, returning a
// RoutingDecision{targets, strategy, estimated_latency_ms}.
func (c *Controller) RouteForward(req ForwardRequest) (RoutingDecision, error) {
	if req.Backward {
		return c.backwardDecision(req), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.routes[routeKey{req.Src, req.Dst}]
	var best *Route
	var bestScore float64

	for i := range candidates {
		r := &candidates[i]
		if containsAvoided(r.Path, req.AvoidUnits) {
			continue
		}
		estLatency := r.Cost * 10
		if req.MaxLatencyMS > 0 && estLatency > req.MaxLatencyMS {
			continue
		}
		if !c.hasCapabilitiesLocked(r.Path, req.RequiredCapabilities) {
			continue
		}

		loadProduct := 1.0
		for _, node := range r.Path {
			loadProduct *= 1 + c.loadFactorLocked(node)
		}
		reliability := math.Max(r.Reliability, 0.1)
		score := r.Cost * loadProduct / reliability

		if best == nil || score < bestScore {
			best = r
			bestScore = score
		}
	}

	if best == nil {
		return RoutingDecision{}, hal9errors.Routing("no viable route from %s to %s", req.Src, req.Dst)
	}

	estLatency := best.Cost * 10
	targets := make([]Target, 0, len(best.Path))
	for i, node := range best.Path {
		targets = append(targets, Target{
			UnitID:   node,
			Weight:   c.weightLocked(node),
			Priority: len(best.Path) - i,
		})
	}

	c.routedCount++
	c.hopsSum += uint64(len(best.Path))
	c.latencySum += estLatency

	return RoutingDecision{
		Targets:            targets,
		Strategy:           LoadBalanced,
		EstimatedLatencyMS: estLatency,
	}, nil
}

// backwardDecision retraces RecordedPath in reverse for a backward
// gradient, rather than running candidate selection again.
func (c *Controller) backwardDecision(req ForwardRequest) RoutingDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := make([]string, len(req.RecordedPath))
	copy(path, req.RecordedPath)
	reverse(path)

	targets := make([]Target, 0, len(path))
	for i, node := range path {
		targets = append(targets, Target{
			UnitID:   node,
			Weight:   c.weightLocked(node),
			Priority: len(path) - i,
		})
	}

	c.routedCount++
	c.hopsSum += uint64(len(path))

	return RoutingDecision{
		Targets:  targets,
		Strategy: ShortestPath,
	}
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(values))
}

// BalanceLoad computes load variance across known nodes and, when the most
// loaded node is past the congestion threshold, lowers its weight and
// raises the least loaded node's weight. It reports the before/after
// variance; weights do not change the recorded loads, so VarianceAfter
// equals VarianceBefore until new loads are reported.
func (c *Controller) BalanceLoad() RebalanceReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.loads))
	factors := make([]float64, 0, len(c.loads))
	for id, l := range c.loads {
		if l.Capacity <= 0 {
			continue
		}
		ids = append(ids, id)
		factors = append(factors, l.CurrentLoad/l.Capacity)
	}
	before := variance(factors)
	if len(ids) < 2 {
		return RebalanceReport{VarianceBefore: before, VarianceAfter: before}
	}

	sort.Slice(ids, func(i, j int) bool {
		return c.loads[ids[i]].CurrentLoad/c.loads[ids[i]].Capacity <
			c.loads[ids[j]].CurrentLoad/c.loads[ids[j]].Capacity
	})

	mostLoaded := ids[len(ids)-1]
	leastLoaded := ids[0]
	var adjusted []string

	if c.loads[mostLoaded].CurrentLoad/c.loads[mostLoaded].Capacity > c.congestionThreshold {
		c.weights[mostLoaded] = clampWeight(c.weightLocked(mostLoaded) * 0.9)
		c.weights[leastLoaded] = clampWeight(c.weightLocked(leastLoaded) * 1.1)
		adjusted = []string{mostLoaded, leastLoaded}
	}

	after := []float64{}
	for _, id := range ids {
		l := c.loads[id]
		after = append(after, l.CurrentLoad/l.Capacity)
	}

	return RebalanceReport{
		VarianceBefore: before,
		VarianceAfter:  variance(after),
		Adjusted:       adjusted,
	}
}

func clampWeight(w float64) float64 {
	if w < minWeight {
		return minWeight
	}
	if w > maxWeight {
		return maxWeight
	}
	return w
}

// UpdateWeights adjusts each node's weight by
// learning_rate × (success_rate / max(processing_time_ms, 1) − 1), clamped
// to [0.1, 10.0].
func (c *Controller) UpdateWeights(perf []Performance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range perf {
		denom := math.Max(p.ProcessingTimeMS, 1)
		delta := c.learningRate * (p.SuccessRate/denom - 1)
		c.weights[p.NodeID] = clampWeight(c.weightLocked(p.NodeID) + delta)
	}
}

// Metrics reports aggregate routed count, average hops, average latency,
// congestion points, and throughput since the controller was created.
func (c *Controller) Metrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := Metrics{RoutedCount: c.routedCount}
	if c.routedCount > 0 {
		m.AverageHops = float64(c.hopsSum) / float64(c.routedCount)
		m.AverageLatencyMS = c.latencySum / float64(c.routedCount)
	}

	for id, l := range c.loads {
		if l.Capacity > 0 && l.CurrentLoad/l.Capacity > c.congestionThreshold {
			m.CongestionPoints = append(m.CongestionPoints, id)
		}
	}
	sort.Strings(m.CongestionPoints)

	elapsed := time.Since(c.since).Seconds()
	if elapsed > 0 {
		m.Throughput = float64(c.routedCount) / elapsed
	}
	return m
}
