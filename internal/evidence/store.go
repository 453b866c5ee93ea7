package evidence

import (
	"context"

	"github.com/google/uuid"
)

// BuildFunc constructs the next record of a chain from the current tail.
// prev is nil when the tenant has no records yet.
type BuildFunc func(prev *Record) (*Record, error)

// Store is the persistence contract for the ledger, sealer, and verifier.
// Both MemoryStore and PostgresStore implement this interface.
type Store interface {
	// Append reads the tenant's tail, calls build, and inserts the result.
	// The read and the insert form one critical section per tenant. An
	// insert that collides on (tenant_id, chain_index) returns ErrIndexConflict.
	Append(ctx context.Context, tenantID string, build BuildFunc) (*Record, error)

	// Tail returns the highest-index record of a tenant, or ErrRecordNotFound.
	Tail(ctx context.Context, tenantID string) (*Record, error)

	// Get returns a record by ID, or ErrRecordNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// Range returns a tenant's records with from <= chain_index <= to,
	// ordered by chain_index ascending.
	Range(ctx context.Context, tenantID string, from, to int64) ([]*Record, error)

	// AppendAccess adds an entry to a record's access log and returns the
	// new log length.
	AppendAccess(ctx context.Context, id uuid.UUID, entry AccessEntry) (int, error)

	// SaveBatch persists root and assigns leaves[i] leaf index i, atomically.
	// If any leaf already belongs to a root, nothing is written and
	// ErrOverlappingBatch is returned.
	SaveBatch(ctx context.Context, root *MerkleRoot, leaves []uuid.UUID) error

	// GetRoot returns a Merkle root by ID, or ErrRootNotFound.
	GetRoot(ctx context.Context, id uuid.UUID) (*MerkleRoot, error)

	// RootLeaves returns the records assigned to a root, ordered by leaf index.
	RootLeaves(ctx context.Context, rootID uuid.UUID) ([]*Record, error)

	// LastBatchedIndex returns the highest chain index covered by any root
	// of the tenant, or 0.
	LastBatchedIndex(ctx context.Context, tenantID string) (int64, error)
}
