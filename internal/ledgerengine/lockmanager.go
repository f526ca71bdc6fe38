package ledgerengine

import (
	"context"
	"sort"
	"sync"
	"time"
)

const lockPollInterval = 2 * time.Millisecond

// heldLock is the live state of one resource's exclusive lock: who holds
// it, how many times they've reentered, and when it expires if never
// explicitly released (a crashed holder must not wedge the resource
// forever).
type heldLock struct {
	holderID   string
	depth      int
	acquiredAt time.Time
	expiresAt  time.Time
}

// LockManager grants per-resource exclusive locks with holder reentrancy
// and TTL-based reclamation, generalizing internal/syncutil's
// ContextShardedMutex (which has no notion of a holder identity, so it
// cannot tell a reentrant caller from a new contender, and no expiry, so a
// holder that dies never releases). Batch callers acquire a whole resource
// set through AcquireAll, always in sorted order, so two batches that touch
// an overlapping account set can never deadlock against each other.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*heldLock
}

// NewLockManager builds an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*heldLock)}
}

// Acquire blocks (subject to ctx) until resourceID is exclusively held by
// holderID, reclaiming it immediately if free or expired, or reentering if
// already held by the same holderID. The returned release function must be
// called exactly once.
func (m *LockManager) Acquire(ctx context.Context, resourceID, holderID string, ttl time.Duration) (func(), error) {
	for {
		m.mu.Lock()
		now := time.Now()
		l, ok := m.locks[resourceID]
		if !ok || now.After(l.expiresAt) {
			m.locks[resourceID] = &heldLock{holderID: holderID, depth: 1, acquiredAt: now, expiresAt: now.Add(ttl)}
			m.mu.Unlock()
			return m.releaseFunc(resourceID, holderID), nil
		}
		if l.holderID == holderID {
			l.depth++
			m.mu.Unlock()
			return m.releaseFunc(resourceID, holderID), nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (m *LockManager) releaseFunc(resourceID, holderID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			l, ok := m.locks[resourceID]
			if !ok || l.holderID != holderID {
				return // already expired and reclaimed by someone else
			}
			l.depth--
			if l.depth <= 0 {
				delete(m.locks, resourceID)
			}
		})
	}
}

// AcquireAll acquires every distinct resource in resourceIDs, always in
// sorted order, so that a multi-resource batch never deadlocks against
// another batch touching an overlapping set. On failure, every lock
// already acquired is released in reverse acquisition order before the
// error is returned.
func (m *LockManager) AcquireAll(ctx context.Context, resourceIDs []string, holderID string, ttl time.Duration) (func(), error) {
	sorted := uniqueSorted(resourceIDs)
	released := make([]func(), 0, len(sorted))

	for _, id := range sorted {
		rel, err := m.Acquire(ctx, id, holderID, ttl)
		if err != nil {
			for i := len(released) - 1; i >= 0; i-- {
				released[i]()
			}
			return nil, err
		}
		released = append(released, rel)
	}

	return func() {
		for i := len(released) - 1; i >= 0; i-- {
			released[i]()
		}
	}, nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
