package evidence_test

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/fleetevidence/internal/evidence"
)

// exportedBundle seals n records, batches the first batchTo of them, and
// returns the JSON export of [from, n].
func exportedBundle(t *testing.T, n int, batchTo, from int64) []byte {
	t.Helper()
	store := evidence.NewMemoryStore()
	l := newLedger(store)
	sealN(t, l, "fleet-7", n)
	if batchTo > 0 {
		s := evidence.NewSealer(store, zap.NewNop())
		if _, err := s.Batch(ctx, evidence.BatchRequest{TenantID: "fleet-7", FromIndex: 1, ToIndex: batchTo}); err != nil {
			t.Fatal(err)
		}
	}
	b, err := l.Export(ctx, "fleet-7", from, 0, "auditor")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestVerifyBundle_intactExport(t *testing.T) {
	raw := exportedBundle(t, 5, 5, 1)

	b, err := evidence.ParseBundle(raw)
	if err != nil {
		t.Fatal(err)
	}
	report := evidence.VerifyBundle(b)
	if report.Total != 5 || report.Passed != 5 || report.Failed != 0 {
		t.Errorf("counts: total=%d passed=%d failed=%d", report.Total, report.Passed, report.Failed)
	}
	if !report.ChainContinuous || report.ChainBrokenAt != nil {
		t.Error("chain should be continuous")
	}
	if len(report.Roots) != 1 || !report.Roots[0].Complete || !report.Roots[0].Verified {
		t.Errorf("roots: %+v", report.Roots)
	}
	if !report.Verified() {
		t.Error("report should be verified")
	}
}

func TestVerifyBundle_detectsTamperedRecord(t *testing.T) {
	b, _ := evidence.ParseBundle(exportedBundle(t, 4, 0, 1))
	b.Records[2].Data = json.RawMessage(`{"speed_kmh":60,"limit_kmh":80}`)

	report := evidence.VerifyBundle(b)
	if report.Failed != 1 {
		t.Errorf("failed: got %d, want 1", report.Failed)
	}
	if report.Records[2].HashVerified {
		t.Error("tampered record should fail its hash check")
	}
	if report.Verified() {
		t.Error("report should not verify")
	}
}

func TestVerifyBundle_invalidUTF8FailsHashCheck(t *testing.T) {
	b, _ := evidence.ParseBundle(exportedBundle(t, 3, 0, 1))
	b.Records[1].Description = "speed \xfe"

	report := evidence.VerifyBundle(b)
	check := report.Records[1]
	if check.HashVerified || check.Passed {
		t.Error("invalid UTF-8 record should fail its hash check")
	}
	if check.Error == "" {
		t.Error("expected an error describing the invalid field")
	}
	if report.Verified() {
		t.Error("report should not verify")
	}
}

func TestVerifyBundle_detectsMissingRecord(t *testing.T) {
	b, _ := evidence.ParseBundle(exportedBundle(t, 4, 0, 1))
	b.Records = append(b.Records[:2], b.Records[3:]...)

	report := evidence.VerifyBundle(b)
	if report.ChainContinuous {
		t.Fatal("gap should break the chain")
	}
	if *report.ChainBrokenAt != 4 || report.BrokenTenant != "fleet-7" {
		t.Errorf("broken at %d in %q, want 4 in fleet-7", *report.ChainBrokenAt, report.BrokenTenant)
	}
}

func TestVerifyBundle_sortsUnorderedRecords(t *testing.T) {
	b, _ := evidence.ParseBundle(exportedBundle(t, 3, 0, 1))
	b.Records[0], b.Records[2] = b.Records[2], b.Records[0]

	report := evidence.VerifyBundle(b)
	if !report.Verified() {
		t.Errorf("shuffled bundle should still verify: %+v", report)
	}
}

func TestVerifyBundle_partialExportLeavesRootIncomplete(t *testing.T) {
	b, _ := evidence.ParseBundle(exportedBundle(t, 5, 5, 3))

	report := evidence.VerifyBundle(b)
	if report.Total != 3 || !report.ChainContinuous {
		t.Errorf("partial export should verify as a mid-chain window: %+v", report)
	}
	if len(report.Roots) != 1 {
		t.Fatalf("roots: got %d, want 1", len(report.Roots))
	}
	rc := report.Roots[0]
	if rc.Complete || rc.LeavesFound != 3 || rc.LeafCount != 5 {
		t.Errorf("root check: %+v", rc)
	}
	if !report.Verified() {
		t.Error("incomplete roots should not fail the report")
	}
}

func TestParseBundle_bareArray(t *testing.T) {
	b, _ := evidence.ParseBundle(exportedBundle(t, 2, 0, 1))
	raw, _ := json.Marshal(b.Records)

	parsed, err := evidence.ParseBundle(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Records) != 2 || !evidence.VerifyBundle(parsed).Verified() {
		t.Error("bare record array should parse and verify")
	}
}

func TestParseBundle_rejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":   "  ",
		"garbage": "{not json",
		"version": `{"canonical_version":"evidence-canonical/v0","records":[]}`,
	}
	for name, in := range cases {
		if _, err := evidence.ParseBundle([]byte(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
