package gnss

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// StateStore keeps each asset's previous fix and a trailing window of
// anomalies per tenant.
type StateStore interface {
	// LoadState returns the asset's previous state, or nil if none is stored.
	LoadState(ctx context.Context, tenantID, assetID string) (*State, error)

	// SaveState replaces the asset's previous state.
	SaveState(ctx context.Context, tenantID, assetID string, st State) error

	// RecordAnomaly adds an anomaly of assetID at time at to the tenant's window.
	RecordAnomaly(ctx context.Context, tenantID, assetID string, at time.Time) error

	// FleetAnomalyCount counts anomalies recorded in [since, until] for assets
	// other than excludeAsset.
	FleetAnomalyCount(ctx context.Context, tenantID, excludeAsset string, since, until time.Time) (int, error)
}

type fleetEvent struct {
	assetID string
	at      time.Time
}

// MemoryStateStore is an in-memory StateStore. Anomalies older than
// retention are pruned as new ones are recorded.
type MemoryStateStore struct {
	mu        sync.Mutex
	states    map[string]State
	fleet     map[string][]fleetEvent
	retention time.Duration
}

// NewMemoryStateStore creates a MemoryStateStore that keeps anomalies for
// retention.
func NewMemoryStateStore(retention time.Duration) *MemoryStateStore {
	return &MemoryStateStore{
		states:    make(map[string]State),
		fleet:     make(map[string][]fleetEvent),
		retention: retention,
	}
}

// stateKey joins tenant and asset IDs. The tenant is length-prefixed so
// that IDs containing the separator cannot collide.
func stateKey(tenantID, assetID string) string {
	return strconv.Itoa(len(tenantID)) + ":" + tenantID + ":" + assetID
}

// LoadState implements StateStore.
func (m *MemoryStateStore) LoadState(_ context.Context, tenantID, assetID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey(tenantID, assetID)]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// SaveState implements StateStore.
func (m *MemoryStateStore) SaveState(_ context.Context, tenantID, assetID string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(tenantID, assetID)] = st
	return nil
}

// RecordAnomaly implements StateStore.
func (m *MemoryStateStore) RecordAnomaly(_ context.Context, tenantID, assetID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := append(m.fleet[tenantID], fleetEvent{assetID: assetID, at: at})
	if m.retention > 0 {
		cutoff := at.Add(-m.retention)
		kept := events[:0]
		for _, ev := range events {
			if !ev.at.Before(cutoff) {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	m.fleet[tenantID] = events
	return nil
}

// FleetAnomalyCount implements StateStore.
func (m *MemoryStateStore) FleetAnomalyCount(_ context.Context, tenantID, excludeAsset string, since, until time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.fleet[tenantID] {
		if ev.assetID != excludeAsset && !ev.at.Before(since) && !ev.at.After(until) {
			n++
		}
	}
	return n, nil
}
