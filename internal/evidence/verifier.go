package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// VerifyRequest is the input to Verifier.Verify. MaxChainWalk caps how many
// links behind the record the chain walk inspects; 0 uses the verifier's
// default, and a negative value walks the whole chain.
type VerifyRequest struct {
	ID           uuid.UUID `json:"id"`
	VerifyChain  bool      `json:"verify_chain"`
	MaxChainWalk int64     `json:"max_chain_walk,omitempty"`
}

// MerkleProofResult is the reconstructed inclusion proof of a record.
type MerkleProofResult struct {
	RootID       uuid.UUID   `json:"root_id"`
	RootHash     string      `json:"root_hash"`
	LeafIndex    int         `json:"leaf_index"`
	LeafHash     string      `json:"leaf_hash"`
	LeafCount    int         `json:"leaf_count"`
	Steps        []ProofStep `json:"steps"`
	ComputedRoot string      `json:"computed_root"`
	Consistent   bool        `json:"consistent"`
	Problem      string      `json:"problem,omitempty"`
}

// VerificationResult reports every integrity check run against a record.
// Integrity failures are reported here, never as errors.
type VerificationResult struct {
	ID                uuid.UUID          `json:"id"`
	TenantID          string             `json:"tenant_id"`
	HashVerified      bool               `json:"hash_verified"`
	ChainIndex        int64              `json:"chain_index"`
	PrevHash          string             `json:"prev_hash"`
	SHA256Hash        string             `json:"sha256_hash"`
	ComputedHash      string             `json:"computed_hash"`
	ChainVerified     *bool              `json:"chain_verified"`
	ChainBrokenAt     *int64             `json:"chain_broken_at"`
	ChainWalkFrom     *int64             `json:"chain_walk_from,omitempty"`
	MerkleProof       *MerkleProofResult `json:"merkle_proof"`
	DeviceFingerprint string             `json:"device_fingerprint,omitempty"`
	SealedAt          time.Time          `json:"sealed_at"`
	AccessCount       int                `json:"access_count"`
}

// Verifier recomputes record hashes, chain links, and Merkle proofs.
type Verifier struct {
	store        Store
	maxChainWalk int64
	now          func() time.Time
	logger       *zap.Logger
}

// NewVerifier creates a Verifier. maxChainWalk is the default cap on the
// backward chain walk; 0 means unbounded.
func NewVerifier(store Store, maxChainWalk int64, logger *zap.Logger) *Verifier {
	return &Verifier{store: store, maxChainWalk: maxChainWalk, now: time.Now, logger: logger}
}

// Verify checks one record and logs the verification in its access log.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (*VerificationResult, error) {
	if req.ID == uuid.Nil {
		return nil, &ValidationError{Fields: []string{"id"}}
	}

	ctx, span := tracer.Start(ctx, "evidence.Verify", trace.WithAttributes(
		attribute.String("record_id", req.ID.String()),
		attribute.Bool("verify_chain", req.VerifyChain),
	))
	defer span.End()

	rec, err := v.store.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	computed, err := ComputeHash(rec)
	if err != nil {
		// A stored payload that no longer decodes cannot match its hash.
		computed = ""
	}

	res := &VerificationResult{
		ID:                rec.ID,
		TenantID:          rec.TenantID,
		HashVerified:      computed != "" && computed == rec.SHA256Hash,
		ChainIndex:        rec.ChainIndex,
		PrevHash:          rec.PrevHash,
		SHA256Hash:        rec.SHA256Hash,
		ComputedHash:      computed,
		DeviceFingerprint: rec.DeviceFingerprint,
		SealedAt:          rec.SealedAt,
	}

	if req.VerifyChain {
		limit := req.MaxChainWalk
		if limit == 0 {
			limit = v.maxChainWalk
		}
		if err := v.walkChain(ctx, rec, limit, res); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if rec.MerkleRootID != nil {
		proof, err := v.merkleProof(ctx, rec)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		res.MerkleProof = proof
	}

	count, err := v.store.AppendAccess(ctx, rec.ID, AccessEntry{
		Actor:     ActorVerifyAPI,
		Action:    ActionVerified,
		Timestamp: v.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("log verify access: %w", err)
	}
	res.AccessCount = count

	if !res.HashVerified || (res.ChainVerified != nil && !*res.ChainVerified) ||
		(res.MerkleProof != nil && !res.MerkleProof.Consistent) {
		v.logger.Warn("evidence integrity check failed",
			zap.String("record_id", rec.ID.String()),
			zap.String("tenant_id", rec.TenantID),
			zap.Int64("chain_index", rec.ChainIndex),
			zap.Bool("hash_verified", res.HashVerified),
		)
	}
	return res, nil
}

// walkChain checks prev_hash links from the start of the walk window up to
// rec. limit > 0 restricts the window to the last limit links.
func (v *Verifier) walkChain(ctx context.Context, rec *Record, limit int64, res *VerificationResult) error {
	from := int64(1)
	if limit > 0 && rec.ChainIndex-limit > 1 {
		from = rec.ChainIndex - limit
	}
	records, err := v.store.Range(ctx, rec.TenantID, from, rec.ChainIndex)
	if err != nil {
		return fmt.Errorf("read chain: %w", err)
	}

	ok, brokenAt := checkLinks(records, from, rec.ChainIndex)
	res.ChainVerified = &ok
	if !ok {
		res.ChainBrokenAt = &brokenAt
	}
	if from > 1 {
		res.ChainWalkFrom = &from
	}
	return nil
}

// checkLinks verifies that records hold exactly the indexes [from, to] and
// that every record links to its predecessor. It returns the first index at
// which continuity fails.
func checkLinks(records []*Record, from, to int64) (bool, int64) {
	expected := from
	for i, r := range records {
		if r.ChainIndex != expected {
			return false, expected
		}
		if i == 0 {
			if r.ChainIndex == 1 && r.PrevHash != GenesisHash {
				return false, 1
			}
		} else if r.PrevHash != records[i-1].SHA256Hash {
			return false, r.ChainIndex
		}
		expected++
	}
	if expected != to+1 {
		return false, expected
	}
	return true, 0
}

func (v *Verifier) merkleProof(ctx context.Context, rec *Record) (*MerkleProofResult, error) {
	root, err := v.store.GetRoot(ctx, *rec.MerkleRootID)
	if err != nil {
		return nil, fmt.Errorf("load merkle root: %w", err)
	}
	leaves, err := v.store.RootLeaves(ctx, root.ID)
	if err != nil {
		return nil, fmt.Errorf("load merkle leaves: %w", err)
	}

	out := &MerkleProofResult{
		RootID:    root.ID,
		RootHash:  root.RootHash,
		LeafHash:  rec.SHA256Hash,
		LeafCount: root.LeafCount,
	}
	if rec.MerkleLeafIndex != nil {
		out.LeafIndex = *rec.MerkleLeafIndex
	}

	if problem := leafSetProblem(root, rec, leaves); problem != "" {
		out.Problem = problem
		return out, nil
	}

	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.SHA256Hash
	}
	tree, err := BuildTree(hashes)
	if err != nil {
		out.Problem = err.Error()
		return out, nil
	}
	steps, err := tree.Proof(out.LeafIndex)
	if err != nil {
		out.Problem = err.Error()
		return out, nil
	}
	out.Steps = steps
	out.ComputedRoot = ComputeRoot(rec.SHA256Hash, steps)
	out.Consistent = out.ComputedRoot == root.RootHash
	if !out.Consistent {
		out.Problem = "recomputed root does not match stored root"
	}
	return out, nil
}

// leafSetProblem describes why the stored leaves cannot belong to root, or
// returns "" when they are consistent with it.
func leafSetProblem(root *MerkleRoot, rec *Record, leaves []*Record) string {
	if root.TenantID != rec.TenantID {
		return "merkle root belongs to another tenant"
	}
	if rec.MerkleLeafIndex == nil {
		return "record has a merkle root but no leaf index"
	}
	if len(leaves) != root.LeafCount {
		return fmt.Sprintf("root claims %d leaves, %d records reference it", root.LeafCount, len(leaves))
	}
	for i, l := range leaves {
		if l.MerkleLeafIndex == nil || *l.MerkleLeafIndex != i {
			return fmt.Sprintf("leaf index %d is missing or duplicated", i)
		}
		if l.ChainIndex != root.FirstChainIndex+int64(i) {
			return fmt.Sprintf("leaf %d holds chain index %d outside the root's range", i, l.ChainIndex)
		}
	}
	if idx := *rec.MerkleLeafIndex; idx < 0 || idx >= len(leaves) || leaves[idx].ID != rec.ID {
		return "record is not at its claimed leaf index"
	}
	return ""
}
