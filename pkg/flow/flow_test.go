package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteForwardPicksLowestScoringCandidate(t *testing.T) {
	c := New(Config{})
	c.AddRoute("a", "z", Route{Path: []string{"a", "m", "z"}, Cost: 5, Reliability: 0.9})
	c.AddRoute("a", "z", Route{Path: []string{"a", "n", "z"}, Cost: 2, Reliability: 0.9})

	decision, err := c.RouteForward(ForwardRequest{Src: "a", Dst: "z"})
	require.NoError(t, err)
	assert.Equal(t, LoadBalanced, decision.Strategy)
	require.Len(t, decision.Targets, 3)
	assert.Equal(t, "a", decision.Targets[0].UnitID)
	assert.Equal(t, "n", decision.Targets[1].UnitID)
	assert.Equal(t, 20.0, decision.EstimatedLatencyMS)
}

func TestRouteForwardExcludesAvoidedUnits(t *testing.T) {
	c := New(Config{})
	c.AddRoute("a", "z", Route{Path: []string{"a", "blocked", "z"}, Cost: 1, Reliability: 1})
	c.AddRoute("a", "z", Route{Path: []string{"a", "clear", "z"}, Cost: 3, Reliability: 1})

	decision, err := c.RouteForward(ForwardRequest{
		Src:        "a",
		Dst:        "z",
		AvoidUnits: map[string]struct{}{"blocked": {}},
	})
	require.NoError(t, err)
	assert.Equal(t, "clear", decision.Targets[1].UnitID)
}

func TestRouteForwardRejectsLatencyOverBudget(t *testing.T) {
	c := New(Config{})
	c.AddRoute("a", "z", Route{Path: []string{"a", "z"}, Cost: 50, Reliability: 1})

	_, err := c.RouteForward(ForwardRequest{Src: "a", Dst: "z", MaxLatencyMS: 100})
	require.Error(t, err)
}

func TestRouteForwardRequiresAllCapabilities(t *testing.T) {
	c := New(Config{})
	c.AddRoute("a", "z", Route{Path: []string{"a", "z"}, Cost: 1, Reliability: 1})
	c.SetCapabilities("z", []string{"gpu"})

	_, err := c.RouteForward(ForwardRequest{
		Src:                  "a",
		Dst:                  "z",
		RequiredCapabilities: []string{"gpu", "fp16"},
	})
	require.Error(t, err, "z lacks fp16, so no candidate should satisfy the request")
}

func TestRouteForwardBackwardRetracesRecordedPath(t *testing.T) {
	c := New(Config{})
	decision, err := c.RouteForward(ForwardRequest{
		Backward:     true,
		RecordedPath: []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, ShortestPath, decision.Strategy)
	require.Len(t, decision.Targets, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{
		decision.Targets[0].UnitID, decision.Targets[1].UnitID, decision.Targets[2].UnitID,
	})
}

func TestBalanceLoadAdjustsHottestAndColdestWhenCongested(t *testing.T) {
	c := New(Config{CongestionThreshold: 0.5})
	c.UpdateLoad("hot", Load{CurrentLoad: 95, Capacity: 100})
	c.UpdateLoad("cold", Load{CurrentLoad: 5, Capacity: 100})

	report := c.BalanceLoad()
	assert.Contains(t, report.Adjusted, "hot")
	assert.Contains(t, report.Adjusted, "cold")
}

func TestUpdateWeightsClampsToRange(t *testing.T) {
	c := New(Config{LearningRate: 10})
	c.UpdateWeights([]Performance{{NodeID: "n1", SuccessRate: 1, ProcessingTimeMS: 1}})
	c.UpdateWeights([]Performance{{NodeID: "n2", SuccessRate: 0, ProcessingTimeMS: 1}})

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.LessOrEqual(t, c.weights["n1"], maxWeight)
	assert.GreaterOrEqual(t, c.weights["n2"], minWeight)
}

func TestMetricsReportsCongestionPoints(t *testing.T) {
	c := New(Config{CongestionThreshold: 0.5})
	c.UpdateLoad("hot", Load{CurrentLoad: 90, Capacity: 100})
	c.AddRoute("a", "z", Route{Path: []string{"a", "z"}, Cost: 1, Reliability: 1})

	_, err := c.RouteForward(ForwardRequest{Src: "a", Dst: "z"})
	require.NoError(t, err)

	m := c.Metrics()
	assert.EqualValues(t, 1, m.RoutedCount)
	assert.Equal(t, 2.0, m.AverageHops)
	assert.Contains(t, m.CongestionPoints, "hot")
}
