package devices

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory, thread-safe Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	certs map[string]*Certificate
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{certs: make(map[string]*Certificate)}
}

// Create implements Registry.
func (r *MemoryRegistry) Create(_ context.Context, cert *Certificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certs[cert.Fingerprint]; ok {
		return ErrAlreadyRegistered
	}
	cp := *cert
	r.certs[cert.Fingerprint] = &cp
	return nil
}

// GetByFingerprint implements Registry.
func (r *MemoryRegistry) GetByFingerprint(_ context.Context, fingerprint string) (*Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.certs[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Revoke implements Registry. Revoking twice keeps the first revocation time.
func (r *MemoryRegistry) Revoke(_ context.Context, fingerprint string, at time.Time) (*Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.certs[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != StatusRevoked {
		c.Status = StatusRevoked
		c.RevokedAt = &at
	}
	cp := *c
	return &cp, nil
}
