package evidence

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// GenesisHash is the PrevHash of the first record in every tenant chain.
const GenesisHash = "GENESIS"

// Access log actors and actions.
const (
	ActorSystem    = "system"
	ActorVerifyAPI = "verify-api"

	ActionSealed   = "sealed"
	ActionRead     = "read"
	ActionVerified = "verified"
	ActionExported = "exported"
)

// DefaultSource is recorded when a seal request does not name its source.
const DefaultSource = "api"

// AccessEntry is one line of a record's access log.
type AccessEntry struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is a sealed evidence record. Apart from the access log and the
// Merkle assignment, a record never changes after it is sealed.
type Record struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          string          `json:"tenant_id"`
	ChainIndex        int64           `json:"chain_index"`
	PrevHash          string          `json:"prev_hash"`
	SHA256Hash        string          `json:"sha256_hash"`
	EventType         string          `json:"event_type"`
	VehicleID         string          `json:"vehicle_id,omitempty"`
	Description       string          `json:"description"`
	Data              json.RawMessage `json:"data"`
	Source            string          `json:"source"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	DeviceSignature   string          `json:"device_signature,omitempty"`
	SealedAt          time.Time       `json:"sealed_at"`
	MerkleRootID      *uuid.UUID      `json:"merkle_root_id,omitempty"`
	MerkleLeafIndex   *int            `json:"merkle_leaf_index,omitempty"`
	AccessLog         []AccessEntry   `json:"access_log"`
}

// clone returns a deep copy so callers cannot mutate stored state.
func (r *Record) clone() *Record {
	cp := *r
	if r.Data != nil {
		cp.Data = append(json.RawMessage(nil), r.Data...)
	}
	if r.MerkleRootID != nil {
		id := *r.MerkleRootID
		cp.MerkleRootID = &id
	}
	if r.MerkleLeafIndex != nil {
		idx := *r.MerkleLeafIndex
		cp.MerkleLeafIndex = &idx
	}
	cp.AccessLog = append([]AccessEntry(nil), r.AccessLog...)
	return &cp
}

// MerkleRoot summarises a contiguous range of one tenant's chain.
type MerkleRoot struct {
	ID              uuid.UUID `json:"id"`
	TenantID        string    `json:"tenant_id"`
	RootHash        string    `json:"root_hash"`
	LeafCount       int       `json:"leaf_count"`
	FirstChainIndex int64     `json:"first_chain_index"`
	LastChainIndex  int64     `json:"last_chain_index"`
	FirstEventAt    time.Time `json:"first_event_at"`
	LastEventAt     time.Time `json:"last_event_at"`
	TreeDepth       int       `json:"tree_depth"`
	CreatedAt       time.Time `json:"created_at"`
}

// SealRequest is the input to Ledger.Seal.
type SealRequest struct {
	TenantID          string          `json:"tenant_id"`
	EventType         string          `json:"event_type"`
	Description       string          `json:"description"`
	Data              json.RawMessage `json:"data,omitempty"`
	VehicleID         string          `json:"vehicle_id,omitempty"`
	Source            string          `json:"source,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	DeviceSignature   string          `json:"device_signature,omitempty"`
}

// Validate reports every missing or malformed field at once. Text fields
// and data must be valid UTF-8 so that distinct inputs never share a
// canonical payload.
func (r *SealRequest) Validate() error {
	var invalid []string
	required := []struct {
		name, value string
	}{
		{"tenant_id", r.TenantID},
		{"event_type", r.EventType},
		{"description", r.Description},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" || !utf8.ValidString(f.value) {
			invalid = append(invalid, f.name)
		}
	}
	optional := []struct {
		name, value string
	}{
		{"vehicle_id", r.VehicleID},
		{"source", r.Source},
		{"device_fingerprint", r.DeviceFingerprint},
		{"device_signature", r.DeviceSignature},
	}
	for _, f := range optional {
		if !utf8.ValidString(f.value) {
			invalid = append(invalid, f.name)
		}
	}
	if !utf8.Valid(r.Data) {
		invalid = append(invalid, "data")
	}
	if len(invalid) > 0 {
		return &ValidationError{Fields: invalid}
	}
	return nil
}

// BatchRequest is the input to Sealer.Batch.
type BatchRequest struct {
	TenantID  string `json:"tenant_id"`
	FromIndex int64  `json:"from_index"`
	ToIndex   int64  `json:"to_index"`
}

// Validate checks the range bounds.
func (r *BatchRequest) Validate() error {
	var invalid []string
	if strings.TrimSpace(r.TenantID) == "" {
		invalid = append(invalid, "tenant_id")
	}
	if r.FromIndex < 1 {
		invalid = append(invalid, "from_index")
	}
	if r.ToIndex < 1 || r.ToIndex < r.FromIndex {
		invalid = append(invalid, "to_index")
	}
	if len(invalid) > 0 {
		return &ValidationError{Fields: invalid}
	}
	return nil
}

// ChainHead describes the current tip of a tenant chain.
type ChainHead struct {
	TenantID     string     `json:"tenant_id"`
	Length       int64      `json:"length"`
	HeadHash     string     `json:"head_hash"`
	HeadSealedAt *time.Time `json:"head_sealed_at,omitempty"`
}
