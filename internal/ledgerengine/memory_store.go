package ledgerengine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEntryNotFound is returned when an entry ID has no match.
var ErrEntryNotFound = errors.New("ledgerengine: entry not found")

type accountKey struct {
	accountID string
	currency  string
}

// MemoryStore is an in-process Store, useful for tests and for running the
// engine without a database dependency.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]Entry            // entryID -> entry
	byAccount map[accountKey][]string     // ordered entryIDs, ascending seq
	snapshots map[accountKey][]Snapshot   // ordered snapshots, ascending seq
	seq       int64
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]Entry),
		byAccount: make(map[accountKey][]string),
		snapshots: make(map[accountKey][]Snapshot),
	}
}

func (s *MemoryStore) NextSeq(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) AppendEntry(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountKey{e.AccountID, e.Currency}
	s.entries[e.EntryID] = e
	s.byAccount[key] = append(s.byAccount[key], e.EntryID)
	return nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, entryID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = status
	s.entries[entryID] = e
	return nil
}

func (s *MemoryStore) EntriesAfter(ctx context.Context, accountID, currency string, afterSeq int64, at time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byAccount[accountKey{accountID, currency}]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e := s.entries[id]
		if e.Seq <= afterSeq {
			continue
		}
		if e.CreatedAt.After(at) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, accountID, currency string, at time.Time) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[accountKey{accountID, currency}]
	var best Snapshot
	found := false
	for _, snap := range snaps {
		if snap.CreatedAt.After(at) {
			continue
		}
		if !found || snap.LastSeq > best.LastSeq {
			best = snap
			found = true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountKey{snap.AccountID, snap.Currency}
	s.snapshots[key] = append(s.snapshots[key], snap)
	return nil
}

func (s *MemoryStore) EntryCount(ctx context.Context, accountID, currency string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.byAccount[accountKey{accountID, currency}])), nil
}

// ConfirmedChainEntries lists every confirmed entry carrying a chain_tx_hash
// since the given time, for the reconciliation engine. Order is not
// guaranteed across accounts.
func (s *MemoryStore) ConfirmedChainEntries(ctx context.Context, since time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.ChainTxHash == "" || e.Status != StatusConfirmed {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
