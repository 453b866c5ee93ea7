package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Bundle is a self-contained export of records and their Merkle roots.
type Bundle struct {
	CanonicalVersion string        `json:"canonical_version,omitempty"`
	TenantID         string        `json:"tenant_id,omitempty"`
	ExportedAt       *time.Time    `json:"exported_at,omitempty"`
	Records          []*Record     `json:"records"`
	MerkleRoots      []*MerkleRoot `json:"merkle_roots,omitempty"`
}

// ParseBundle decodes either a bare JSON array of records or a Bundle object.
func ParseBundle(data []byte) (*Bundle, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty bundle")
	}
	if trimmed[0] == '[' {
		var records []*Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode record array: %w", err)
		}
		return &Bundle{Records: records}, nil
	}
	var b Bundle
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.CanonicalVersion != "" && b.CanonicalVersion != CanonicalVersion {
		return nil, fmt.Errorf("unsupported canonical version %q", b.CanonicalVersion)
	}
	return &b, nil
}

// RecordCheck is the offline verification outcome of one record.
type RecordCheck struct {
	ID           uuid.UUID `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ChainIndex   int64     `json:"chain_index"`
	PrevHash     string    `json:"prev_hash"`
	SHA256Hash   string    `json:"sha256_hash"`
	ComputedHash string    `json:"computed_hash"`
	HashVerified bool      `json:"hash_verified"`
	LinkVerified bool      `json:"link_verified"`
	Passed       bool      `json:"passed"`
	Error        string    `json:"error,omitempty"`
}

// RootCheck is the offline verification outcome of one Merkle root.
// Complete is false when the bundle does not carry every leaf of the root,
// in which case the root cannot be recomputed.
type RootCheck struct {
	ID           uuid.UUID `json:"id"`
	RootHash     string    `json:"root_hash"`
	ComputedRoot string    `json:"computed_root,omitempty"`
	LeafCount    int       `json:"leaf_count"`
	LeavesFound  int       `json:"leaves_found"`
	Complete     bool      `json:"complete"`
	Verified     bool      `json:"verified"`
}

// BundleReport is the result of VerifyBundle.
type BundleReport struct {
	Total           int           `json:"total"`
	Passed          int           `json:"passed"`
	Failed          int           `json:"failed"`
	ChainContinuous bool          `json:"chain_continuous"`
	ChainBrokenAt   *int64        `json:"chain_broken_at"`
	BrokenTenant    string        `json:"broken_tenant,omitempty"`
	Records         []RecordCheck `json:"records"`
	Roots           []RootCheck   `json:"merkle_roots,omitempty"`
}

// Verified reports whether every record passed and every complete root matched.
func (r *BundleReport) Verified() bool {
	if r.Failed > 0 || !r.ChainContinuous {
		return false
	}
	for _, rc := range r.Roots {
		if rc.Complete && !rc.Verified {
			return false
		}
	}
	return true
}

// VerifyBundle recomputes every hash and chain link of a bundle without any
// store access. Records are checked per tenant in chain_index order. The
// first record of a tenant links only if it is index 1 and names the
// genesis sentinel; a bundle starting mid-chain trusts its first prev_hash.
func VerifyBundle(b *Bundle) *BundleReport {
	records := make([]*Record, 0, len(b.Records))
	for _, r := range b.Records {
		if r != nil {
			records = append(records, r)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].TenantID != records[j].TenantID {
			return records[i].TenantID < records[j].TenantID
		}
		return records[i].ChainIndex < records[j].ChainIndex
	})

	report := &BundleReport{
		Total:           len(records),
		ChainContinuous: true,
		Records:         make([]RecordCheck, 0, len(records)),
	}

	for i, r := range records {
		check := RecordCheck{
			ID:         r.ID,
			TenantID:   r.TenantID,
			ChainIndex: r.ChainIndex,
			PrevHash:   r.PrevHash,
			SHA256Hash: r.SHA256Hash,
		}

		computed, err := ComputeHash(r)
		if err != nil {
			check.Error = err.Error()
		} else {
			check.ComputedHash = computed
			check.HashVerified = computed == r.SHA256Hash
		}

		var prev *Record
		if i > 0 && records[i-1].TenantID == r.TenantID {
			prev = records[i-1]
		}
		switch {
		case prev != nil:
			check.LinkVerified = r.ChainIndex == prev.ChainIndex+1 && r.PrevHash == prev.SHA256Hash
		case r.ChainIndex == 1:
			check.LinkVerified = r.PrevHash == GenesisHash
		default:
			check.LinkVerified = r.ChainIndex > 1
		}

		if !check.LinkVerified && report.ChainContinuous {
			report.ChainContinuous = false
			at := r.ChainIndex
			report.ChainBrokenAt = &at
			report.BrokenTenant = r.TenantID
		}

		check.Passed = check.HashVerified && check.LinkVerified
		if check.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Records = append(report.Records, check)
	}

	for _, root := range b.MerkleRoots {
		if root != nil {
			report.Roots = append(report.Roots, verifyBundleRoot(root, records))
		}
	}
	return report
}

func verifyBundleRoot(root *MerkleRoot, records []*Record) RootCheck {
	check := RootCheck{ID: root.ID, RootHash: root.RootHash, LeafCount: root.LeafCount}
	if root.LeafCount <= 0 || root.LeafCount > len(records) {
		return check
	}

	leaves := make([]string, root.LeafCount)
	for _, r := range records {
		if r.MerkleRootID == nil || *r.MerkleRootID != root.ID || r.MerkleLeafIndex == nil {
			continue
		}
		idx := *r.MerkleLeafIndex
		if idx < 0 || idx >= root.LeafCount || leaves[idx] != "" {
			return check
		}
		leaves[idx] = r.SHA256Hash
		check.LeavesFound++
	}
	if check.LeavesFound != root.LeafCount {
		return check
	}

	check.Complete = true
	tree, err := BuildTree(leaves)
	if err != nil {
		return check
	}
	check.ComputedRoot = tree.Root()
	check.Verified = check.ComputedRoot == root.RootHash
	return check
}
