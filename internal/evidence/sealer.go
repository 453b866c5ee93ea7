package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Sealer batches contiguous chain ranges into Merkle roots.
type Sealer struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewSealer creates a Sealer.
func NewSealer(store Store, logger *zap.Logger) *Sealer {
	return &Sealer{store: store, now: time.Now, logger: logger}
}

// Batch builds and persists the Merkle root over the tenant's records in
// [FromIndex, ToIndex]. The range is read once up front, so records sealed
// while the tree is built are never partially included.
func (s *Sealer) Batch(ctx context.Context, req BatchRequest) (*MerkleRoot, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "evidence.Batch", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.Int64("from_index", req.FromIndex),
		attribute.Int64("to_index", req.ToIndex),
	))
	defer span.End()

	records, err := s.store.Range(ctx, req.TenantID, req.FromIndex, req.ToIndex)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read batch range: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyRange
	}

	leaves := make([]string, len(records))
	ids := make([]uuid.UUID, len(records))
	for i, rec := range records {
		if rec.MerkleRootID != nil {
			return nil, ErrOverlappingBatch
		}
		leaves[i] = rec.SHA256Hash
		ids[i] = rec.ID
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		return nil, err
	}

	first, last := records[0], records[len(records)-1]
	root := &MerkleRoot{
		ID:              uuid.New(),
		TenantID:        req.TenantID,
		RootHash:        tree.Root(),
		LeafCount:       tree.LeafCount(),
		FirstChainIndex: first.ChainIndex,
		LastChainIndex:  last.ChainIndex,
		FirstEventAt:    first.SealedAt,
		LastEventAt:     last.SealedAt,
		TreeDepth:       tree.Depth(),
		CreatedAt:       s.now().UTC(),
	}

	if err := s.store.SaveBatch(ctx, root, ids); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrOverlappingBatch) {
			return nil, err
		}
		return nil, fmt.Errorf("save merkle batch: %w", err)
	}

	s.logger.Info("merkle batch sealed",
		zap.String("tenant_id", root.TenantID),
		zap.String("root_id", root.ID.String()),
		zap.String("root_hash", root.RootHash),
		zap.Int("leaf_count", root.LeafCount),
		zap.Int64("first_chain_index", root.FirstChainIndex),
		zap.Int64("last_chain_index", root.LastChainIndex),
	)
	return root, nil
}

// Root returns a persisted Merkle root.
func (s *Sealer) Root(ctx context.Context, id uuid.UUID) (*MerkleRoot, error) {
	return s.store.GetRoot(ctx, id)
}

// Pending returns the chain index range sealed after the tenant's last
// Merkle batch. It returns ErrEmptyRange when nothing is pending.
func (s *Sealer) Pending(ctx context.Context, tenantID string) (from, to int64, err error) {
	if tenantID == "" {
		return 0, 0, &ValidationError{Fields: []string{"tenant_id"}}
	}
	last, err := s.store.LastBatchedIndex(ctx, tenantID)
	if err != nil {
		return 0, 0, err
	}
	tail, err := s.store.Tail(ctx, tenantID)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, 0, ErrEmptyRange
	}
	if err != nil {
		return 0, 0, err
	}
	if tail.ChainIndex <= last {
		return 0, 0, ErrEmptyRange
	}
	return last + 1, tail.ChainIndex, nil
}

// SealPending batches every record sealed after the tenant's last batch.
func (s *Sealer) SealPending(ctx context.Context, tenantID string) (*MerkleRoot, error) {
	from, to, err := s.Pending(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.Batch(ctx, BatchRequest{TenantID: tenantID, FromIndex: from, ToIndex: to})
}
