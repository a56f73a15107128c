// Package coordinator implements the State Coordinator: cluster-wide
// key/value state replicated via Raft, vector-clock conflict detection,
// distributed locks, application-level consensus proposals, and a
// point-in-time snapshot/subscribe interface.
package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

// ConsistencyLevel reports the guarantee an operation's result carries.
type ConsistencyLevel string

const (
	Strong   ConsistencyLevel = "strong"
	Eventual ConsistencyLevel = "eventual"
)

// Config configures a Coordinator's Raft wiring.
type Config struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	DefaultLease time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultLease <= 0 {
		c.DefaultLease = 30 * time.Second
	}
	return c
}

// Coordinator is the State Coordinator.
type Coordinator struct {
	cfg Config

	raft  *raft.Raft
	fsm   *FSM
	store *raftboltdb.BoltStore

	locks *lockManager

	peersMu sync.RWMutex
	peers   []VoteCaster

	localVersions   map[string]uint64
	localVersionsMu sync.Mutex

	subsMu sync.Mutex
	subs   []*subscription
}

type subscription struct {
	filter Filter
	ch     chan StateEvent
}

// New creates a Coordinator with its Raft instance bootstrapped (or ready
// to join an existing cluster) under cfg.DataDir.
func New(cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, hal9errors.Config("creating coordinator data dir: %v", err)
	}

	fsm := newFSM()

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, hal9errors.Runtime("opening raft log store: %v", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, hal9errors.Runtime("opening raft stable store: %v", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		return nil, hal9errors.Runtime("opening raft snapshot store: %v", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, hal9errors.Config("resolving raft bind address %s: %v", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, hal9errors.Runtime("creating raft transport: %v", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	ra, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, hal9errors.Runtime("creating raft node: %v", err)
	}

	if cfg.Bootstrap {
		ra.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
		})
	}

	return &Coordinator{
		cfg:           cfg,
		raft:          ra,
		fsm:           fsm,
		store:         logStore,
		locks:         newLockManager(),
		localVersions: make(map[string]uint64),
	}, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (c *Coordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// SetPeers wires in the VoteCaster callables Consensus polls.
func (c *Coordinator) SetPeers(peers []VoteCaster) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peers = peers
}

func (c *Coordinator) apply(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return hal9errors.Protocol("marshaling coordinator command: %v", err)
	}
	future := c.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return hal9errors.Runtime("raft apply: %v", err)
	}
	return nil
}

// Set replicates key=value through Raft, tagging it with clock.
func (c *Coordinator) Set(key string, value interface{}, clock VectorClock) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return hal9errors.Protocol("marshaling value for %s: %v", key, err)
	}
	return c.apply(Command{Kind: CmdSet, Key: key, Value: raw, Clock: clock, Node: c.cfg.NodeID})
}

// Delete removes key through Raft.
func (c *Coordinator) Delete(key string, clock VectorClock) error {
	return c.apply(Command{Kind: CmdDel, Key: key, Clock: clock, Node: c.cfg.NodeID})
}

// SyncResult is synchronize()'s outcome.
type SyncResult struct {
	SynchronizedUnits []string
	Conflicts         []Conflict
	Version           uint64
}

// Conflict records a concurrent-write collision synchronize detected.
type Conflict struct {
	Key       string
	Local     VectorClock
	Incoming  VectorClock
	Resolution string // "use_local"
}

// DistributedState is what one node offers another during synchronize:
// a set of keyed values tagged with the vector clock they were written
// under.
type DistributedState struct {
	Entries map[string]SyncEntry
}

// SyncEntry is one key's value as seen by the offering node.
type SyncEntry struct {
	Value   json.RawMessage
	Clock   VectorClock
	Version uint64
}

// Synchronize merges incoming into local state. Per key: if the local
// version is greater than incoming's, the conflict is recorded with
// UseLocal and local wins; otherwise incoming is installed (emitting an
// Updated event). One Synchronized event is emitted after all keys are
// merged. Eventual consistency.
func (c *Coordinator) Synchronize(incoming DistributedState) (SyncResult, error) {
	result := SyncResult{}

	for key, remote := range incoming.Entries {
		local, ok := c.fsm.get(key)
		if ok && local.Version > remote.Version {
			result.Conflicts = append(result.Conflicts, Conflict{
				Key:        key,
				Local:      local.Clock,
				Incoming:   remote.Clock,
				Resolution: "use_local",
			})
			continue
		}

		if err := c.apply(Command{
			Kind:  CmdSet,
			Key:   key,
			Value: remote.Value,
			Clock: remote.Clock,
			Node:  c.cfg.NodeID,
		}); err != nil {
			return SyncResult{}, err
		}
		result.SynchronizedUnits = append(result.SynchronizedUnits, key)
		result.Version = remote.Version
	}

	if err := c.apply(Command{Kind: CmdSync, Clock: NewVectorClock(), Node: c.cfg.NodeID}); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

// Consensus polls peers for proposal.Value, accepting once at least
// RequiredVotes approve within Timeout. Strong consistency.
func (c *Coordinator) Consensus(proposal Proposal) ConsensusResult {
	c.peersMu.RLock()
	peers := make([]VoteCaster, len(c.peers))
	copy(peers, c.peers)
	c.peersMu.RUnlock()
	return runConsensus(proposal, peers)
}

// Lock acquires a lease on resourceID for this node, failing if any holder
// (this node included) already holds an unexpired lease on it. Strong
// consistency.
func (c *Coordinator) Lock(resourceID string) (*DistributedLock, error) {
	return c.locks.acquire(resourceID, c.cfg.NodeID, c.cfg.DefaultLease)
}

// UnitState is one unit's entry in a GlobalStateSnapshot.
type UnitState struct {
	State   string
	Version uint64
	Health  string
}

// GlobalStateSnapshot is snapshot()'s result.
type GlobalStateSnapshot struct {
	Units            map[string]UnitState
	GlobalVariables  map[string]interface{}
	ConsistencyLevel ConsistencyLevel
}

// Snapshot reports a point-in-time view of every known unit's state.
// Eventual consistency.
func (c *Coordinator) Snapshot() GlobalStateSnapshot {
	snap := GlobalStateSnapshot{
		Units:            make(map[string]UnitState),
		GlobalVariables:  make(map[string]interface{}),
		ConsistencyLevel: Eventual,
	}
	for key, e := range c.fsm.snapshotState() {
		var state string
		if err := json.Unmarshal(e.Value, &state); err != nil {
			state = string(e.Value)
		}
		snap.Units[key] = UnitState{State: state, Version: e.Version, Health: e.Health}
	}
	return snap
}

// Subscribe returns a stream of StateEvents matching filter. Call the
// returned cancel func to stop receiving and release the channel.
func (c *Coordinator) Subscribe(filter Filter) (<-chan StateEvent, func()) {
	sub := &subscription{filter: filter, ch: make(chan StateEvent, 64)}

	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
	return sub.ch, cancel
}

// dispatchEvents fans fsm.eventsCh out to every matching subscriber. Run
// this in a goroutine once after New.
func (c *Coordinator) dispatchEvents() {
	for ev := range c.fsm.eventsCh {
		c.subsMu.Lock()
		for _, sub := range c.subs {
			if sub.filter.matches(ev) {
				select {
				case sub.ch <- ev:
				default:
				}
			}
		}
		c.subsMu.Unlock()
	}
}

// Start begins fanning out FSM events to subscribers.
func (c *Coordinator) Start() {
	go c.dispatchEvents()
}

// Shutdown shuts down the Raft node and closes the underlying log store.
func (c *Coordinator) Shutdown() error {
	if err := c.raft.Shutdown().Error(); err != nil {
		return hal9errors.Runtime("raft shutdown: %v", err)
	}
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("closing raft store: %w", err)
	}
	return nil
}
