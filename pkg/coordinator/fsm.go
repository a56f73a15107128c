package coordinator

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// CommandKind distinguishes the three mutations the FSM applies.
type CommandKind string

const (
	CmdSet  CommandKind = "set"
	CmdDel  CommandKind = "delete"
	CmdSync CommandKind = "sync"
)

// Command is what gets marshaled into a raft log entry.
type Command struct {
	Kind  CommandKind     `json:"kind"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	State json.RawMessage `json:"state,omitempty"` // not set by Synchronize; Apply does not read it
	Clock VectorClock     `json:"clock"`
	Node  string          `json:"node"`
}

// entry is one stored key's value, version, and owning clock.
type entry struct {
	Value   json.RawMessage
	Clock   VectorClock
	Version uint64
	Health  string
}

// FSM is the Raft finite state machine backing the coordinator's key/value
// state. It records each applied command on eventsCh so Subscribe can fan
// it out as a StateEvent.
type FSM struct {
	mu       sync.RWMutex
	state    map[string]*entry
	eventsCh chan StateEvent
}

func newFSM() *FSM {
	return &FSM{
		state:    make(map[string]*entry),
		eventsCh: make(chan StateEvent, 1024),
	}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return err
	}

	switch cmd.Kind {
	case CmdSet:
		f.mu.Lock()
		f.state[cmd.Key] = &entry{
			Value:   cmd.Value,
			Clock:   cmd.Clock,
			Version: f.nextVersionLocked(cmd.Key),
		}
		f.mu.Unlock()
		f.publish(StateEvent{Type: Updated, Key: cmd.Key, Clock: cmd.Clock})
		return nil

	case CmdDel:
		f.mu.Lock()
		_, existed := f.state[cmd.Key]
		delete(f.state, cmd.Key)
		f.mu.Unlock()
		if existed {
			f.publish(StateEvent{Type: Deleted, Key: cmd.Key, Clock: cmd.Clock})
		}
		return nil

	case CmdSync:
		f.publish(StateEvent{Type: Synchronized, Key: cmd.Key, Clock: cmd.Clock})
		return nil
	}
	return nil
}

func (f *FSM) nextVersionLocked(key string) uint64 {
	if e, ok := f.state[key]; ok {
		return e.Version + 1
	}
	return 1
}

func (f *FSM) publish(ev StateEvent) {
	ev.Timestamp = time.Now()
	select {
	case f.eventsCh <- ev:
	default:
		// A full subscriber channel drops rather than blocking Raft's
		// apply path; subscribers must keep up or miss events.
	}
}

func (f *FSM) get(key string) (*entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.state[key]
	return e, ok
}

func (f *FSM) snapshotState() map[string]entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]entry, len(f.state))
	for k, v := range f.state {
		out[k] = *v
	}
	return out
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.snapshotState()}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var state map[string]entry
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = make(map[string]*entry, len(state))
	for k, v := range state {
		v := v
		f.state[k] = &v
	}
	return nil
}

type fsmSnapshot struct {
	state map[string]entry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := json.NewEncoder(sink)
	if err := enc.Encode(s.state); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
