package evidence_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/fleetevidence/internal/evidence"
)

var ctx = context.Background()

// fakeAuthority authorizes "tenant/fingerprint" pairs listed in allowed.
type fakeAuthority struct {
	allowed map[string]bool
	err     error
}

func (f *fakeAuthority) IsAuthorized(_ context.Context, tenantID, fingerprint string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.allowed[tenantID+"/"+fingerprint], nil
}

// conflictStore rejects every append with ErrIndexConflict.
type conflictStore struct {
	*evidence.MemoryStore
	mu    sync.Mutex
	calls int
}

func (s *conflictStore) Append(_ context.Context, _ string, _ evidence.BuildFunc) (*evidence.Record, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil, evidence.ErrIndexConflict
}

// stepClock returns a time source that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newLedger(store evidence.Store) *evidence.Ledger {
	l := evidence.NewLedger(store, nil, zap.NewNop())
	l.SetClock(stepClock())
	return l
}

func sealN(t *testing.T, l *evidence.Ledger, tenant string, n int) []*evidence.Record {
	t.Helper()
	out := make([]*evidence.Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := l.Seal(ctx, evidence.SealRequest{
			TenantID:    tenant,
			EventType:   "speeding",
			Description: fmt.Sprintf("event %d", i+1),
			VehicleID:   "VAN-1",
			Data:        json.RawMessage(fmt.Sprintf(`{"speed_kmh":%d,"limit_kmh":80}`, 90+i)),
		})
		if err != nil {
			t.Fatalf("seal %d: %v", i+1, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestSeal_firstRecordLinksToGenesis(t *testing.T) {
	l := newLedger(evidence.NewMemoryStore())
	recs := sealN(t, l, "tenant-a", 1)

	r := recs[0]
	if r.ChainIndex != 1 {
		t.Errorf("chain index: got %d, want 1", r.ChainIndex)
	}
	if r.PrevHash != evidence.GenesisHash {
		t.Errorf("prev hash: got %q, want GENESIS", r.PrevHash)
	}
	if r.Source != evidence.DefaultSource {
		t.Errorf("source: got %q, want %q", r.Source, evidence.DefaultSource)
	}
	if len(r.AccessLog) != 1 || r.AccessLog[0].Action != evidence.ActionSealed || r.AccessLog[0].Actor != evidence.ActorSystem {
		t.Errorf("access log: got %+v, want one system/sealed entry", r.AccessLog)
	}
	if r.SealedAt.Nanosecond()%int(time.Millisecond) != 0 {
		t.Errorf("sealed_at not truncated to milliseconds: %v", r.SealedAt)
	}
	want, _ := evidence.ComputeHash(r)
	if r.SHA256Hash != want {
		t.Errorf("stored hash does not match recomputed hash")
	}
}

func TestSeal_chainsPerTenant(t *testing.T) {
	l := newLedger(evidence.NewMemoryStore())
	a := sealN(t, l, "tenant-a", 3)
	b := sealN(t, l, "tenant-b", 2)

	for i := 1; i < len(a); i++ {
		if a[i].PrevHash != a[i-1].SHA256Hash {
			t.Errorf("tenant-a link %d broken", a[i].ChainIndex)
		}
	}
	if b[0].ChainIndex != 1 || b[0].PrevHash != evidence.GenesisHash {
		t.Errorf("tenant-b should start its own chain, got index %d prev %q", b[0].ChainIndex, b[0].PrevHash)
	}
	if b[1].ChainIndex != 2 {
		t.Errorf("tenant-b second index: got %d, want 2", b[1].ChainIndex)
	}
}

func TestSeal_validation(t *testing.T) {
	l := newLedger(evidence.NewMemoryStore())

	_, err := l.Seal(ctx, evidence.SealRequest{TenantID: "t"})
	var ve *evidence.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.Fields) != 2 || ve.Fields[0] != "event_type" || ve.Fields[1] != "description" {
		t.Errorf("fields: got %v", ve.Fields)
	}

	_, err = l.Seal(ctx, evidence.SealRequest{
		TenantID: "t", EventType: "e", Description: "d",
		Data: json.RawMessage(`{"broken"`),
	})
	if !errors.As(err, &ve) || ve.Fields[0] != "data" {
		t.Errorf("expected data ValidationError, got %v", err)
	}
}

func TestSeal_rejectsInvalidUTF8(t *testing.T) {
	store := evidence.NewMemoryStore()
	l := newLedger(store)

	_, err := l.Seal(ctx, evidence.SealRequest{
		TenantID:    "t",
		EventType:   "speeding",
		Description: "speed \xff",
		VehicleID:   "truck-\xfe",
		Data:        json.RawMessage("{\"note\":\"\xff\"}"),
	})
	var ve *evidence.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{"description", "vehicle_id", "data"}
	if len(ve.Fields) != len(want) {
		t.Fatalf("fields: got %v, want %v", ve.Fields, want)
	}
	for i := range want {
		if ve.Fields[i] != want[i] {
			t.Errorf("field %d: got %s, want %s", i, ve.Fields[i], want[i])
		}
	}

	head, _ := l.Head(ctx, "t")
	if head.Length != 0 {
		t.Errorf("rejected seal extended the chain to %d", head.Length)
	}
}

func TestSeal_concurrentSealsProduceContiguousChain(t *testing.T) {
	store := evidence.NewMemoryStore()
	l := evidence.NewLedger(store, nil, zap.NewNop())

	const n = 50
	var (
		mu      sync.Mutex
		indexes []int64
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			rec, err := l.Seal(gctx, evidence.SealRequest{
				TenantID:    "fleet-1",
				EventType:   "geofence_exit",
				Description: fmt.Sprintf("exit %d", i),
			})
			if err != nil {
				return err
			}
			mu.Lock()
			indexes = append(indexes, rec.ChainIndex)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for i, idx := range indexes {
		if idx != int64(i+1) {
			t.Fatalf("indexes not contiguous: position %d holds %d", i, idx)
		}
	}

	records, err := store.Range(ctx, "fleet-1", 1, n)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(records); i++ {
		if records[i].PrevHash != records[i-1].SHA256Hash {
			t.Errorf("link %d broken after concurrent seals", records[i].ChainIndex)
		}
	}
}

func TestSeal_retryExhaustion(t *testing.T) {
	store := &conflictStore{MemoryStore: evidence.NewMemoryStore()}
	l := evidence.NewLedger(store, nil, zap.NewNop())

	var retries []int
	l.SetRetryHook(func(_ string, attempt int) { retries = append(retries, attempt) })

	_, err := l.Seal(ctx, evidence.SealRequest{TenantID: "t", EventType: "e", Description: "d"})
	if !errors.Is(err, evidence.ErrChainContention) {
		t.Fatalf("expected ErrChainContention, got %v", err)
	}
	if store.calls != evidence.DefaultMaxSealAttempts {
		t.Errorf("append attempts: got %d, want %d", store.calls, evidence.DefaultMaxSealAttempts)
	}
	if len(retries) != evidence.DefaultMaxSealAttempts {
		t.Errorf("retry hook calls: got %d", len(retries))
	}

	l.SetMaxSealAttempts(2)
	store.calls = 0
	_, _ = l.Seal(ctx, evidence.SealRequest{TenantID: "t", EventType: "e", Description: "d"})
	if store.calls != 2 {
		t.Errorf("append attempts after override: got %d, want 2", store.calls)
	}
}

func TestSeal_deviceAuthorization(t *testing.T) {
	auth := &fakeAuthority{allowed: map[string]bool{"tenant-a/abc123": true}}
	l := evidence.NewLedger(evidence.NewMemoryStore(), auth, zap.NewNop())

	req := evidence.SealRequest{
		TenantID: "tenant-a", EventType: "tamper_alert", Description: "case opened",
		DeviceFingerprint: "abc123", DeviceSignature: "c2ln",
	}
	rec, err := l.Seal(ctx, req)
	if err != nil {
		t.Fatalf("authorized device refused: %v", err)
	}
	if rec.DeviceFingerprint != "abc123" || rec.DeviceSignature != "c2ln" {
		t.Errorf("device fields not stored: %+v", rec)
	}

	req.TenantID = "tenant-b"
	if _, err := l.Seal(ctx, req); !errors.Is(err, evidence.ErrDeviceNotAuthorized) {
		t.Errorf("foreign tenant: expected ErrDeviceNotAuthorized, got %v", err)
	}

	req.TenantID = "tenant-a"
	req.DeviceFingerprint = "unknown"
	if _, err := l.Seal(ctx, req); !errors.Is(err, evidence.ErrDeviceNotAuthorized) {
		t.Errorf("unknown device: expected ErrDeviceNotAuthorized, got %v", err)
	}

	auth.err = errors.New("registry down")
	req.DeviceFingerprint = "abc123"
	if _, err := l.Seal(ctx, req); err == nil || errors.Is(err, evidence.ErrDeviceNotAuthorized) {
		t.Errorf("registry failure should surface as an internal error, got %v", err)
	}
}

func TestSeal_fingerprintWithoutAuthorityRefused(t *testing.T) {
	l := newLedger(evidence.NewMemoryStore())
	_, err := l.Seal(ctx, evidence.SealRequest{
		TenantID: "t", EventType: "e", Description: "d", DeviceFingerprint: "abc",
	})
	if !errors.Is(err, evidence.ErrDeviceNotAuthorized) {
		t.Errorf("expected ErrDeviceNotAuthorized, got %v", err)
	}
}

func TestGet_logsRead(t *testing.T) {
	l := newLedger(evidence.NewMemoryStore())
	rec := sealN(t, l, "t", 1)[0]

	got, err := l.Get(ctx, rec.ID, "auditor@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.AccessLog) != 2 {
		t.Fatalf("access log length: got %d, want 2", len(got.AccessLog))
	}
	last := got.AccessLog[1]
	if last.Actor != "auditor@example.com" || last.Action != evidence.ActionRead {
		t.Errorf("read entry: got %+v", last)
	}

	if _, err := l.Get(ctx, uuid.New(), "x"); !errors.Is(err, evidence.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestHead(t *testing.T) {
	l := newLedger(evidence.NewMemoryStore())

	head, err := l.Head(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if head.Length != 0 || head.HeadHash != evidence.GenesisHash || head.HeadSealedAt != nil {
		t.Errorf("empty head: got %+v", head)
	}

	recs := sealN(t, l, "t", 3)
	head, _ = l.Head(ctx, "t")
	if head.Length != 3 || head.HeadHash != recs[2].SHA256Hash {
		t.Errorf("head: got %+v", head)
	}
}

func TestExport_includesRootsAndLogsAccess(t *testing.T) {
	store := evidence.NewMemoryStore()
	l := newLedger(store)
	recs := sealN(t, l, "t", 4)

	s := evidence.NewSealer(store, zap.NewNop())
	root, err := s.Batch(ctx, evidence.BatchRequest{TenantID: "t", FromIndex: 1, ToIndex: 2})
	if err != nil {
		t.Fatal(err)
	}

	b, err := l.Export(ctx, "t", 0, 0, "exporter")
	if err != nil {
		t.Fatal(err)
	}
	if b.CanonicalVersion != evidence.CanonicalVersion || b.TenantID != "t" || b.ExportedAt == nil {
		t.Errorf("bundle header: %+v", b)
	}
	if len(b.Records) != 4 {
		t.Fatalf("records: got %d, want 4", len(b.Records))
	}
	if len(b.MerkleRoots) != 1 || b.MerkleRoots[0].ID != root.ID {
		t.Errorf("merkle roots: got %+v", b.MerkleRoots)
	}

	stored, _ := store.Get(ctx, recs[3].ID)
	last := stored.AccessLog[len(stored.AccessLog)-1]
	if last.Action != evidence.ActionExported || last.Actor != "exporter" {
		t.Errorf("export entry: got %+v", last)
	}

	if _, err := l.Export(ctx, "empty", 0, 0, "x"); !errors.Is(err, evidence.ErrEmptyRange) {
		t.Errorf("expected ErrEmptyRange, got %v", err)
	}
	var ve *evidence.ValidationError
	if _, err := l.Export(ctx, "t", 3, 2, "x"); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for inverted range, got %v", err)
	}
}
