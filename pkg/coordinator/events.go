package coordinator

import "time"

// EventType distinguishes the kinds of StateEvent. The FSM reports every
// Set, including the first write to a key, as Updated; Created is not
// emitted.
type EventType string

const (
	Created      EventType = "created"
	Updated      EventType = "updated"
	Deleted      EventType = "deleted"
	Synchronized EventType = "synchronized"
)

// StateEvent is one mutation surfaced to subscribers.
type StateEvent struct {
	Type      EventType
	Key       string
	Clock     VectorClock
	Timestamp time.Time
}

// Filter narrows a subscription to the unit ids, state keys, or event
// types the caller cares about; empty/nil fields mean "no filtering on
// this dimension."
type Filter struct {
	UnitIDs    map[string]struct{}
	StateKeys  map[string]struct{}
	EventTypes map[EventType]struct{}
}

func (f Filter) matches(ev StateEvent) bool {
	if len(f.StateKeys) > 0 {
		if _, ok := f.StateKeys[ev.Key]; !ok {
			return false
		}
	}
	if len(f.UnitIDs) > 0 {
		if _, ok := f.UnitIDs[ev.Key]; !ok {
			return false
		}
	}
	if len(f.EventTypes) > 0 {
		if _, ok := f.EventTypes[ev.Type]; !ok {
			return false
		}
	}
	return true
}
