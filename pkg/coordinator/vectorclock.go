package coordinator

// VectorClock tags every mutation so concurrent writes across nodes can be
// told apart from causally-ordered ones.
type VectorClock map[string]uint64

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment bumps node's own counter and returns the clock (for chaining).
func (vc VectorClock) Increment(node string) VectorClock {
	vc[node]++
	return vc
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge returns a new clock that is the component-wise max of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// HappensBefore reports whether vc strictly happens-before other: every
// component of vc is ≤ the matching component of other (entries absent
// from one side count as zero), and at least one is strictly less.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	strictlyLess := false
	keys := make(map[string]struct{}, len(vc)+len(other))
	for k := range vc {
		keys[k] = struct{}{}
	}
	for k := range other {
		keys[k] = struct{}{}
	}
	for k := range keys {
		a, b := vc[k], other[k]
		if a > b {
			return false
		}
		if a < b {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// Concurrent reports whether neither clock happens-before the other —
// the case conflict resolution must handle.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc)
}
