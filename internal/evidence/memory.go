package evidence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store. It is primarily useful for
// tests and for single-process deployments that do not need durability.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Record // records[i].ChainIndex == i+1
	byID   map[uuid.UUID]*Record
	roots  map[uuid.UUID]*MerkleRoot

	tenantMu    sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:      make(map[string][]*Record),
		byID:        make(map[uuid.UUID]*Record),
		roots:       make(map[uuid.UUID]*MerkleRoot),
		tenantLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) tenantLock(tenantID string) *sync.Mutex {
	s.tenantMu.Lock()
	defer s.tenantMu.Unlock()
	l, ok := s.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.tenantLocks[tenantID] = l
	}
	return l
}

// Append implements Store. Seals for one tenant are serialised by a
// per-tenant mutex; different tenants proceed in parallel.
func (s *MemoryStore) Append(_ context.Context, tenantID string, build BuildFunc) (*Record, error) {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	var prev *Record
	if chain := s.chains[tenantID]; len(chain) > 0 {
		prev = chain[len(chain)-1].clone()
	}
	s.mu.RUnlock()

	rec, err := build(prev)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[tenantID]
	if rec.TenantID != tenantID || rec.ChainIndex != int64(len(chain))+1 {
		return nil, ErrIndexConflict
	}
	stored := rec.clone()
	s.chains[tenantID] = append(chain, stored)
	s.byID[stored.ID] = stored
	return stored.clone(), nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context, tenantID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[tenantID]
	if len(chain) == 0 {
		return nil, ErrRecordNotFound
	}
	return chain[len(chain)-1].clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.clone(), nil
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, tenantID string, from, to int64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[tenantID]
	if from < 1 {
		from = 1
	}
	if to > int64(len(chain)) {
		to = int64(len(chain))
	}
	var out []*Record
	for i := from; i <= to; i++ {
		out = append(out, chain[i-1].clone())
	}
	return out, nil
}

// AppendAccess implements Store.
func (s *MemoryStore) AppendAccess(_ context.Context, id uuid.UUID, entry AccessEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return 0, ErrRecordNotFound
	}
	rec.AccessLog = append(rec.AccessLog, entry)
	return len(rec.AccessLog), nil
}

// SaveBatch implements Store.
func (s *MemoryStore) SaveBatch(_ context.Context, root *MerkleRoot, leaves []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range leaves {
		rec, ok := s.byID[id]
		if !ok {
			return fmt.Errorf("batch leaf %s: %w", id, ErrRecordNotFound)
		}
		if rec.MerkleRootID != nil {
			return ErrOverlappingBatch
		}
	}

	cp := *root
	s.roots[root.ID] = &cp
	for i, id := range leaves {
		rootID := root.ID
		leafIndex := i
		rec := s.byID[id]
		rec.MerkleRootID = &rootID
		rec.MerkleLeafIndex = &leafIndex
	}
	return nil
}

// GetRoot implements Store.
func (s *MemoryStore) GetRoot(_ context.Context, id uuid.UUID) (*MerkleRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.roots[id]
	if !ok {
		return nil, ErrRootNotFound
	}
	cp := *root
	return &cp, nil
}

// RootLeaves implements Store.
func (s *MemoryStore) RootLeaves(_ context.Context, rootID uuid.UUID) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.byID {
		if rec.MerkleRootID != nil && *rec.MerkleRootID == rootID {
			out = append(out, rec.clone())
		}
	}
	// Records without a leaf index sort first, as NULLs do in Postgres.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].MerkleLeafIndex, out[j].MerkleLeafIndex
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return *a < *b
	})
	return out, nil
}

// LastBatchedIndex implements Store.
func (s *MemoryStore) LastBatchedIndex(_ context.Context, tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for _, root := range s.roots {
		if root.TenantID == tenantID && root.LastChainIndex > last {
			last = root.LastChainIndex
		}
	}
	return last, nil
}

// Tamper overwrites a stored record through fn, bypassing every ledger
// rule. It exists so tests can simulate an attacker with store access.
func (s *MemoryStore) Tamper(id uuid.UUID, fn func(r *Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrRecordNotFound
	}
	fn(rec)
	return nil
}
