package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMaxSealAttempts bounds how often a seal retries an index collision.
const DefaultMaxSealAttempts = 5

var tracer = otel.Tracer("github.com/jmerrifield20/fleetevidence/internal/evidence")

// DeviceAuthority decides whether a device fingerprint may seal for a tenant.
// *devices.Service satisfies this interface.
type DeviceAuthority interface {
	IsAuthorized(ctx context.Context, tenantID, fingerprint string) (bool, error)
}

// RetryFunc is an optional callback invoked on every chain index collision.
type RetryFunc func(tenantID string, attempt int)

// Ledger seals, reads, and exports evidence records.
type Ledger struct {
	store       Store
	devices     DeviceAuthority // nil = every fingerprinted seal is refused
	maxAttempts int
	onRetry     RetryFunc
	now         func() time.Time
	logger      *zap.Logger
}

// NewLedger creates a Ledger. devices may be nil, in which case seals that
// carry a device fingerprint are refused.
func NewLedger(store Store, devices DeviceAuthority, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:       store,
		devices:     devices,
		maxAttempts: DefaultMaxSealAttempts,
		now:         time.Now,
		logger:      logger,
	}
}

// SetMaxSealAttempts overrides DefaultMaxSealAttempts. Values below 1 are ignored.
func (l *Ledger) SetMaxSealAttempts(n int) {
	if n >= 1 {
		l.maxAttempts = n
	}
}

// SetRetryHook configures the callback invoked on index collisions.
func (l *Ledger) SetRetryHook(fn RetryFunc) {
	l.onRetry = fn
}

// SetClock replaces the time source used for sealed_at and access entries.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Seal appends a new record to the tenant's chain.
func (l *Ledger) Seal(ctx context.Context, req SealRequest) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	data, err := canonicalData(req.Data)
	if err != nil {
		return nil, &ValidationError{Fields: []string{"data"}}
	}

	ctx, span := tracer.Start(ctx, "evidence.Seal", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("event_type", req.EventType),
	))
	defer span.End()

	if req.DeviceFingerprint != "" {
		if err := l.authorizeDevice(ctx, req.TenantID, req.DeviceFingerprint); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	source := req.Source
	if source == "" {
		source = DefaultSource
	}

	build := func(prev *Record) (*Record, error) {
		sealedAt := l.now().UTC().Truncate(time.Millisecond)
		rec := &Record{
			ID:                uuid.New(),
			TenantID:          req.TenantID,
			ChainIndex:        1,
			PrevHash:          GenesisHash,
			EventType:         req.EventType,
			VehicleID:         req.VehicleID,
			Description:       req.Description,
			Data:              data,
			Source:            source,
			DeviceFingerprint: req.DeviceFingerprint,
			DeviceSignature:   req.DeviceSignature,
			SealedAt:          sealedAt,
			AccessLog: []AccessEntry{
				{Actor: ActorSystem, Action: ActionSealed, Timestamp: sealedAt},
			},
		}
		if prev != nil {
			rec.ChainIndex = prev.ChainIndex + 1
			rec.PrevHash = prev.SHA256Hash
		}
		hash, err := ComputeHash(rec)
		if err != nil {
			return nil, fmt.Errorf("hash record: %w", err)
		}
		rec.SHA256Hash = hash
		return rec, nil
	}

	for attempt := 1; ; attempt++ {
		rec, err := l.store.Append(ctx, req.TenantID, build)
		if err == nil {
			span.SetAttributes(attribute.Int64("chain_index", rec.ChainIndex))
			l.logger.Debug("evidence sealed",
				zap.String("tenant_id", rec.TenantID),
				zap.Int64("chain_index", rec.ChainIndex),
				zap.String("event_type", rec.EventType),
				zap.String("hash", rec.SHA256Hash),
			)
			return rec, nil
		}
		if !errors.Is(err, ErrIndexConflict) {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("seal evidence: %w", err)
		}
		if l.onRetry != nil {
			l.onRetry(req.TenantID, attempt)
		}
		if attempt >= l.maxAttempts {
			l.logger.Warn("seal gave up after repeated index collisions",
				zap.String("tenant_id", req.TenantID),
				zap.Int("attempts", attempt),
			)
			span.SetStatus(codes.Error, ErrChainContention.Error())
			return nil, ErrChainContention
		}
	}
}

func (l *Ledger) authorizeDevice(ctx context.Context, tenantID, fingerprint string) error {
	if l.devices == nil {
		return ErrDeviceNotAuthorized
	}
	ok, err := l.devices.IsAuthorized(ctx, tenantID, fingerprint)
	if err != nil {
		return fmt.Errorf("check device certificate: %w", err)
	}
	if !ok {
		l.logger.Warn("seal refused for device",
			zap.String("tenant_id", tenantID),
			zap.String("device_fingerprint", fingerprint),
		)
		return ErrDeviceNotAuthorized
	}
	return nil
}

// Get returns a record and logs the read against it.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID, actor string) (*Record, error) {
	rec, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entry := AccessEntry{Actor: actor, Action: ActionRead, Timestamp: l.now().UTC()}
	if _, err := l.store.AppendAccess(ctx, id, entry); err != nil {
		return nil, fmt.Errorf("log read access: %w", err)
	}
	rec.AccessLog = append(rec.AccessLog, entry)
	return rec, nil
}

// Head returns the tip of a tenant's chain. An empty chain has length 0 and
// head hash GenesisHash.
func (l *Ledger) Head(ctx context.Context, tenantID string) (*ChainHead, error) {
	if tenantID == "" {
		return nil, &ValidationError{Fields: []string{"tenant_id"}}
	}
	tail, err := l.store.Tail(ctx, tenantID)
	if errors.Is(err, ErrRecordNotFound) {
		return &ChainHead{TenantID: tenantID, HeadHash: GenesisHash}, nil
	}
	if err != nil {
		return nil, err
	}
	sealedAt := tail.SealedAt
	return &ChainHead{
		TenantID:     tenantID,
		Length:       tail.ChainIndex,
		HeadHash:     tail.SHA256Hash,
		HeadSealedAt: &sealedAt,
	}, nil
}

// Export returns the tenant's records in [from, to] as a self-contained
// bundle together with every Merkle root they belong to. A zero to means the
// current tail. Each exported record gets an "exported" access entry.
func (l *Ledger) Export(ctx context.Context, tenantID string, from, to int64, actor string) (*Bundle, error) {
	if tenantID == "" {
		return nil, &ValidationError{Fields: []string{"tenant_id"}}
	}
	if from < 1 {
		from = 1
	}
	if to == 0 {
		tail, err := l.store.Tail(ctx, tenantID)
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrEmptyRange
		}
		if err != nil {
			return nil, err
		}
		to = tail.ChainIndex
	}
	if to < from {
		return nil, &ValidationError{Fields: []string{"to"}}
	}

	records, err := l.store.Range(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmptyRange
	}

	now := l.now().UTC()
	seen := make(map[uuid.UUID]bool)
	var roots []*MerkleRoot
	for _, rec := range records {
		entry := AccessEntry{Actor: actor, Action: ActionExported, Timestamp: now}
		if _, err := l.store.AppendAccess(ctx, rec.ID, entry); err != nil {
			return nil, fmt.Errorf("log export access: %w", err)
		}
		rec.AccessLog = append(rec.AccessLog, entry)

		if rec.MerkleRootID == nil || seen[*rec.MerkleRootID] {
			continue
		}
		seen[*rec.MerkleRootID] = true
		root, err := l.store.GetRoot(ctx, *rec.MerkleRootID)
		if err != nil {
			return nil, fmt.Errorf("load merkle root: %w", err)
		}
		roots = append(roots, root)
	}

	return &Bundle{
		CanonicalVersion: CanonicalVersion,
		TenantID:         tenantID,
		ExportedAt:       &now,
		Records:          records,
		MerkleRoots:      roots,
	}, nil
}
