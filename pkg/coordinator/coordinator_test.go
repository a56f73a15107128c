package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForLeader(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, c.IsLeader(), "node never became leader of its single-node bootstrap cluster")
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(Config{
		NodeID:    "node-1",
		BindAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	})
	require.NoError(t, err)
	c.Start()
	waitForLeader(t, c)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func TestSetAndSnapshotRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)

	require.NoError(t, c.Set("unit-a", "running", NewVectorClock().Increment("node-1")))

	snap := c.Snapshot()
	require.Contains(t, snap.Units, "unit-a")
	assert.Equal(t, "running", snap.Units["unit-a"].State)
	assert.Equal(t, Eventual, snap.ConsistencyLevel)
}

func TestSynchronizeInstallsNewerVersionAndReportsConflictForOlder(t *testing.T) {
	c := newTestCoordinator(t)

	require.NoError(t, c.Set("unit-a", "running", NewVectorClock().Increment("node-1")))
	require.NoError(t, c.Set("unit-a", "processing", NewVectorClock().Increment("node-1")))

	result, err := c.Synchronize(DistributedState{
		Entries: map[string]SyncEntry{
			"unit-a": {Value: []byte(`"stale"`), Clock: NewVectorClock(), Version: 1},
			"unit-b": {Value: []byte(`"running"`), Clock: NewVectorClock(), Version: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "use_local", result.Conflicts[0].Resolution)
	assert.Equal(t, []string{"unit-b"}, result.SynchronizedUnits)
	assert.Equal(t, "running", c.Snapshot().Units["unit-b"].State)
}

func TestLockRejectsDoubleAcquire(t *testing.T) {
	c := newTestCoordinator(t)

	lock, err := c.Lock("resource-1")
	require.NoError(t, err)

	_, err = c.Lock("resource-1")
	require.Error(t, err)

	require.NoError(t, lock.Release())
	_, err = c.Lock("resource-1")
	require.NoError(t, err)
}

func TestLockExtendPushesLease(t *testing.T) {
	c := newTestCoordinator(t)

	lock, err := c.Lock("resource-1")
	require.NoError(t, err)
	require.NoError(t, lock.Extend(time.Minute))
}

func TestConsensusAcceptsWhenEnoughVotesArrive(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetPeers([]VoteCaster{
		func(interface{}) bool { return true },
		func(interface{}) bool { return true },
		func(interface{}) bool { return false },
	})

	result := c.Consensus(Proposal{Value: "promote", Timeout: time.Second, RequiredVotes: 2})
	assert.True(t, result.Accepted)
	assert.GreaterOrEqual(t, result.Votes, 2)
}

func TestConsensusRejectsOnTimeout(t *testing.T) {
	c := newTestCoordinator(t)
	block := make(chan struct{})
	c.SetPeers([]VoteCaster{
		func(interface{}) bool { <-block; return true },
	})
	defer close(block)

	result := c.Consensus(Proposal{Value: "promote", Timeout: 20 * time.Millisecond, RequiredVotes: 1})
	assert.False(t, result.Accepted)
}

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	c := newTestCoordinator(t)
	events, cancel := c.Subscribe(Filter{StateKeys: map[string]struct{}{"unit-a": {}}})
	defer cancel()

	require.NoError(t, c.Set("unit-b", "running", NewVectorClock()))
	require.NoError(t, c.Set("unit-a", "running", NewVectorClock()))

	select {
	case ev := <-events:
		assert.Equal(t, "unit-a", ev.Key)
		assert.Equal(t, Updated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the matching event")
	}
}

func TestVectorClockHappensBeforeIsStrict(t *testing.T) {
	a := VectorClock{"n1": 1, "n2": 2}
	b := VectorClock{"n1": 2, "n2": 2}
	assert.True(t, a.HappensBefore(b))
	assert.False(t, b.HappensBefore(a))
	assert.False(t, a.HappensBefore(a))
}

func TestVectorClockConcurrentWrites(t *testing.T) {
	a := VectorClock{"n1": 2, "n2": 1}
	b := VectorClock{"n1": 1, "n2": 2}
	assert.True(t, a.Concurrent(b))
}
