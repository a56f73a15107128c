package coordinator

import (
	"sync"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

// DistributedLock is a time-leased hold on resourceID. Release drops it
// immediately; Extend pushes the lease out by duration.
type DistributedLock struct {
	ResourceID string
	Holder     string
	acquiredAt time.Time
	expiresAt  time.Time

	mgr *lockManager
}

// Release drops the lock, making resourceID available again.
func (l *DistributedLock) Release() error {
	return l.mgr.release(l.ResourceID, l.Holder)
}

// Extend pushes the lease out by duration past its current expiry.
func (l *DistributedLock) Extend(duration time.Duration) error {
	return l.mgr.extend(l.ResourceID, l.Holder, duration)
}

// lockManager enforces the invariant that a node never holds two leases on
// the same resource concurrently, and reaps expired leases lazily on
// every acquire.
type lockManager struct {
	mu    sync.Mutex
	locks map[string]*DistributedLock
}

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[string]*DistributedLock)}
}

func (m *lockManager) acquire(resourceID, holder string, lease time.Duration) (*DistributedLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[resourceID]; ok {
		if time.Now().Before(existing.expiresAt) {
			return nil, hal9errors.InvalidState("resource %s already locked by %s", resourceID, existing.Holder)
		}
		delete(m.locks, resourceID)
	}

	now := time.Now()
	l := &DistributedLock{
		ResourceID: resourceID,
		Holder:     holder,
		acquiredAt: now,
		expiresAt:  now.Add(lease),
		mgr:        m,
	}
	m.locks[resourceID] = l
	return l, nil
}

func (m *lockManager) release(resourceID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[resourceID]
	if !ok || existing.Holder != holder {
		return hal9errors.NotFound("lock", resourceID)
	}
	delete(m.locks, resourceID)
	return nil
}

func (m *lockManager) extend(resourceID, holder string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[resourceID]
	if !ok || existing.Holder != holder {
		return hal9errors.NotFound("lock", resourceID)
	}
	existing.expiresAt = existing.expiresAt.Add(duration)
	return nil
}
