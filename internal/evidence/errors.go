package evidence

import (
	"errors"
	"strings"
)

var (
	// ErrRecordNotFound is returned when no record has the requested ID.
	ErrRecordNotFound = errors.New("evidence record not found")

	// ErrRootNotFound is returned when no Merkle root has the requested ID.
	ErrRootNotFound = errors.New("merkle root not found")

	// ErrEmptyRange is returned when a batch or export range holds no records.
	ErrEmptyRange = errors.New("no evidence records in range")

	// ErrDeviceNotAuthorized is returned when a seal names a device
	// fingerprint that is unknown, revoked, or owned by another tenant.
	ErrDeviceNotAuthorized = errors.New("device not authorized")

	// ErrIndexConflict is returned by a Store when (tenant_id, chain_index)
	// is already taken. The ledger retries it.
	ErrIndexConflict = errors.New("chain index already assigned")

	// ErrChainContention is returned when a seal keeps colliding on the
	// chain index. Callers may retry the request.
	ErrChainContention = errors.New("chain index contention, retry later")

	// ErrOverlappingBatch is returned when a batch range includes records
	// that already belong to another Merkle root.
	ErrOverlappingBatch = errors.New("range overlaps an existing merkle batch")

	// ErrInvalidUTF8 is returned when a hashed field holds bytes that are
	// not valid UTF-8.
	ErrInvalidUTF8 = errors.New("invalid UTF-8")
)

// ValidationError lists request fields that are missing or invalid.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid request: missing or invalid " + strings.Join(e.Fields, ", ")
}
