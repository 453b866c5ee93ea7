package handler_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fleetevidence/internal/devices"
	"github.com/jmerrifield20/fleetevidence/internal/evidence"
	"github.com/jmerrifield20/fleetevidence/internal/gnss"
	"github.com/jmerrifield20/fleetevidence/internal/handler"
	"github.com/jmerrifield20/fleetevidence/internal/health"
)

var ctx = context.Background()

type testEnv struct {
	router  *gin.Engine
	store   *evidence.MemoryStore
	devices *devices.Service
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	store := evidence.NewMemoryStore()
	devSvc := devices.NewService(devices.NewMemoryRegistry(), time.Minute, logger)
	ledger := evidence.NewLedger(store, devSvc, logger)
	verifier := evidence.NewVerifier(store, 0, logger)
	sealer := evidence.NewSealer(store, logger)
	monitor := gnss.NewMonitor(gnss.NewMemoryStateStore(time.Hour), ledger, 0, logger)

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewEvidenceHandler(ledger, verifier, sealer, logger).Register(v1)
	handler.NewGNSSHandler(monitor, logger).Register(v1)
	handler.NewDeviceHandler(devSvc, logger).Register(v1)
	return &testEnv{router: r, store: store, devices: devSvc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func (e *testEnv) seal(t *testing.T, tenant, description string) map[string]any {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/evidence", map[string]any{
		"tenant_id":   tenant,
		"event_type":  "harsh_braking",
		"description": description,
		"vehicle_id":  "truck-7",
		"data":        map[string]any{"g_force": 0.82, "speed_kmh": 64},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("seal: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode(t, w)
}

func selfSignedPEM(t *testing.T, cn string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func TestSeal_201_chainLinks(t *testing.T) {
	env := setupRouter(t)

	first := env.seal(t, "fleet-a", "first")
	chain := first["chain"].(map[string]any)
	if chain["index"].(float64) != 1 || chain["prev_hash"] != evidence.GenesisHash {
		t.Errorf("first chain link: %v", chain)
	}
	if chain["current_hash"] != first["sha256_hash"] {
		t.Errorf("current_hash %v != sha256_hash %v", chain["current_hash"], first["sha256_hash"])
	}

	second := env.seal(t, "fleet-a", "second")
	chain2 := second["chain"].(map[string]any)
	if chain2["index"].(float64) != 2 || chain2["prev_hash"] != first["sha256_hash"] {
		t.Errorf("second chain link: %v", chain2)
	}
	if second["source"] != evidence.DefaultSource {
		t.Errorf("source: got %v", second["source"])
	}
}

func TestSeal_400_missingFields(t *testing.T) {
	env := setupRouter(t)

	w := env.do(t, http.MethodPost, "/api/v1/evidence", map[string]any{"tenant_id": "fleet-a"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	fields := decode(t, w)["fields"].([]any)
	if len(fields) != 2 || fields[0] != "event_type" || fields[1] != "description" {
		t.Errorf("fields: %v", fields)
	}
}

func TestSeal_400_malformedJSON(t *testing.T) {
	env := setupRouter(t)
	w := env.do(t, http.MethodPost, "/api/v1/evidence", []byte(`{"tenant_id":`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSeal_403_unknownDevice(t *testing.T) {
	env := setupRouter(t)

	w := env.do(t, http.MethodPost, "/api/v1/evidence", map[string]any{
		"tenant_id":          "fleet-a",
		"event_type":         "door_open",
		"description":        "cargo door opened",
		"device_fingerprint": "deadbeef",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	head, _ := env.store.Tail(ctx, "fleet-a")
	if head != nil {
		t.Error("nothing should have been written")
	}
}

func TestGetEvidence(t *testing.T) {
	env := setupRouter(t)
	sealed := env.seal(t, "fleet-a", "first")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+sealed["id"].(string), nil)
	req.Header.Set("X-Evidence-Actor", "auditor-1")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	log := decode(t, w)["access_log"].([]any)
	last := log[len(log)-1].(map[string]any)
	if len(log) != 2 || last["actor"] != "auditor-1" || last["action"] != evidence.ActionRead {
		t.Errorf("access log: %v", log)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/evidence/"+uuid.NewString(), nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/evidence/not-a-uuid", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
}

func TestVerify_intactAndTampered(t *testing.T) {
	env := setupRouter(t)
	var ids []string
	for _, d := range []string{"one", "two", "three"} {
		ids = append(ids, env.seal(t, "fleet-a", d)["id"].(string))
	}

	w := env.do(t, http.MethodPost, "/api/v1/evidence/verify", map[string]any{"id": ids[2], "verify_chain": true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["hash_verified"] != true || resp["chain_verified"] != true || resp["chain_broken_at"] != nil {
		t.Errorf("intact record: %v", resp)
	}

	id := uuid.MustParse(ids[1])
	if err := env.store.Tamper(id, func(r *evidence.Record) { r.Description = "edited" }); err != nil {
		t.Fatal(err)
	}

	resp = decode(t, env.do(t, http.MethodPost, "/api/v1/evidence/verify", map[string]any{"id": ids[1]}))
	if resp["hash_verified"] != false || resp["chain_verified"] != nil {
		t.Errorf("tampered record: %v", resp)
	}

	// A rehashed edit passes its own hash check but breaks the next link.
	if err := env.store.Tamper(id, func(r *evidence.Record) { r.SHA256Hash, _ = evidence.ComputeHash(r) }); err != nil {
		t.Fatal(err)
	}
	resp = decode(t, env.do(t, http.MethodPost, "/api/v1/evidence/verify", map[string]any{"id": ids[1]}))
	if resp["hash_verified"] != true {
		t.Errorf("rehashed record: %v", resp)
	}
	resp = decode(t, env.do(t, http.MethodPost, "/api/v1/evidence/verify", map[string]any{"id": ids[2], "verify_chain": true}))
	if resp["hash_verified"] != true || resp["chain_verified"] != false || resp["chain_broken_at"].(float64) != 3 {
		t.Errorf("chain after tamper: %v", resp)
	}
}

func TestVerify_errors(t *testing.T) {
	env := setupRouter(t)

	if w := env.do(t, http.MethodPost, "/api/v1/evidence/verify", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing id: expected 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/evidence/verify", map[string]any{"id": uuid.NewString()}); w.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", w.Code)
	}
}

func TestExportAndVerifyBundle(t *testing.T) {
	env := setupRouter(t)
	for _, d := range []string{"a", "b", "c", "d"} {
		env.seal(t, "fleet-a", d)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/merkle/batches", map[string]any{"tenant_id": "fleet-a", "from_index": 1, "to_index": 4}); w.Code != http.StatusCreated {
		t.Fatalf("batch: %d %s", w.Code, w.Body.String())
	}

	w := env.do(t, http.MethodGet, "/api/v1/tenants/fleet-a/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	bundle := w.Body.Bytes()

	w = env.do(t, http.MethodPost, "/api/v1/evidence/bundles/verify", bundle)
	if w.Code != http.StatusOK {
		t.Fatalf("verify bundle: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	report := decode(t, w)
	if report["passed"].(float64) != 4 || report["chain_continuous"] != true {
		t.Errorf("intact bundle: %v", report)
	}
	roots := report["merkle_roots"].([]any)
	if len(roots) != 1 || roots[0].(map[string]any)["verified"] != true {
		t.Errorf("roots: %v", roots)
	}

	var doc map[string]any
	_ = json.Unmarshal(bundle, &doc)
	doc["records"].([]any)[2].(map[string]any)["description"] = "rewritten"
	tampered, _ := json.Marshal(doc)

	report = decode(t, env.do(t, http.MethodPost, "/api/v1/evidence/bundles/verify", tampered))
	if report["failed"].(float64) != 1 {
		t.Errorf("tampered bundle: %v", report)
	}
}

func TestVerifyBundle_400(t *testing.T) {
	env := setupRouter(t)
	if w := env.do(t, http.MethodPost, "/api/v1/evidence/bundles/verify", []byte(`"nope"`)); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestExport_errors(t *testing.T) {
	env := setupRouter(t)

	if w := env.do(t, http.MethodGet, "/api/v1/tenants/empty/export", nil); w.Code != http.StatusNotFound {
		t.Errorf("empty chain: expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/tenants/fleet-a/export?from=abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad from: expected 400, got %d", w.Code)
	}
}

func TestMerkleBatch(t *testing.T) {
	env := setupRouter(t)
	for _, d := range []string{"a", "b", "c"} {
		env.seal(t, "fleet-a", d)
	}

	w := env.do(t, http.MethodPost, "/api/v1/merkle/batches", map[string]any{"tenant_id": "fleet-a", "from_index": 1, "to_index": 3})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	root := decode(t, w)
	if root["leaf_count"].(float64) != 3 || root["tree_depth"].(float64) != 2 {
		t.Errorf("root: %v", root)
	}

	w = env.do(t, http.MethodPost, "/api/v1/merkle/batches", map[string]any{"tenant_id": "fleet-a", "from_index": 3, "to_index": 3})
	if w.Code != http.StatusConflict {
		t.Errorf("overlap: expected 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/merkle/batches", map[string]any{"tenant_id": "fleet-a", "from_index": 5, "to_index": 2})
	if w.Code != http.StatusBadRequest {
		t.Errorf("inverted range: expected 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/merkle/batches/"+root["id"].(string), nil)
	if w.Code != http.StatusOK || decode(t, w)["root_hash"] != root["root_hash"] {
		t.Errorf("get batch: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodGet, "/api/v1/merkle/batches/"+uuid.NewString(), nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown root: expected 404, got %d", w.Code)
	}
}

func TestChainAndSealPending(t *testing.T) {
	env := setupRouter(t)

	resp := decode(t, env.do(t, http.MethodGet, "/api/v1/tenants/fleet-a/chain", nil))
	if resp["length"].(float64) != 0 || resp["head_hash"] != evidence.GenesisHash || resp["pending"] != nil {
		t.Errorf("empty chain: %v", resp)
	}

	env.seal(t, "fleet-a", "a")
	last := env.seal(t, "fleet-a", "b")

	resp = decode(t, env.do(t, http.MethodGet, "/api/v1/tenants/fleet-a/chain", nil))
	pending := resp["pending"].(map[string]any)
	if resp["length"].(float64) != 2 || resp["head_hash"] != last["sha256_hash"] || pending["to_index"].(float64) != 2 {
		t.Errorf("chain: %v", resp)
	}

	w := env.do(t, http.MethodPost, "/api/v1/tenants/fleet-a/merkle/pending", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("seal pending: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/v1/tenants/fleet-a/merkle/pending", nil); w.Code != http.StatusNotFound {
		t.Errorf("nothing pending: expected 404, got %d", w.Code)
	}
}

func TestGNSSDetect(t *testing.T) {
	env := setupRouter(t)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	w := env.do(t, http.MethodPost, "/api/v1/gnss/detect", map[string]any{
		"sample": map[string]any{
			"asset_id": "van-9", "timestamp": t0.Add(10 * time.Second),
			"latitude": 0.00001, "longitude": 0.00001, "speed_kmh": 80, "hdop": 0.1,
		},
		"previous_state": map[string]any{"timestamp": t0, "latitude": 0, "longitude": 0, "speed_kmh": 0},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	a := decode(t, w)["anomaly"].(map[string]any)
	if a["anomaly_type"] != gnss.TypeSpoofing || a["confidence_score"].(float64) != 0.45 {
		t.Errorf("anomaly: %v", a)
	}

	w = env.do(t, http.MethodPost, "/api/v1/gnss/detect", map[string]any{
		"sample": map[string]any{"asset_id": "van-9", "timestamp": t0, "latitude": 52.5, "longitude": 13.4, "speed_kmh": 50},
	})
	if resp := decode(t, w); resp["anomaly"] != nil {
		t.Errorf("clean sample: %v", resp)
	}

	w = env.do(t, http.MethodPost, "/api/v1/gnss/detect", map[string]any{
		"sample": map[string]any{"asset_id": "van-9", "latitude": 91},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid sample: expected 400, got %d", w.Code)
	}
	if fields := decode(t, w)["fields"].([]any); len(fields) != 2 {
		t.Errorf("fields: %v", fields)
	}
}

func TestGNSSIngest_sealsAnomaly(t *testing.T) {
	env := setupRouter(t)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sample := map[string]any{
		"tenant_id": "fleet-a", "asset_id": "bus-3", "timestamp": t0,
		"latitude": 48.1, "longitude": 11.5, "speed_kmh": 40, "satellites": 1,
	}

	w := env.do(t, http.MethodPost, "/api/v1/gnss/samples", sample)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	ev := resp["evidence"].(map[string]any)
	if ev["event_type"] != gnss.EventTypeAnomaly || ev["chain_index"].(float64) != 1 {
		t.Errorf("evidence: %v", ev)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/gnss/samples", sample); w.Code != http.StatusConflict {
		t.Errorf("stale sample: expected 409, got %d", w.Code)
	}
}

func TestDevices_registerLookupRevoke(t *testing.T) {
	env := setupRouter(t)
	certPEM := selfSignedPEM(t, "unit-42")

	w := env.do(t, http.MethodPost, "/api/v1/devices", map[string]any{
		"tenant_id": "fleet-a", "device_id": "unit-42", "vehicle_id": "truck-7", "cert_pem": certPEM,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	fp := decode(t, w)["fingerprint"].(string)

	w = env.do(t, http.MethodPost, "/api/v1/devices", map[string]any{
		"tenant_id": "fleet-a", "device_id": "unit-42", "cert_pem": certPEM,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", w.Code)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices/"+fp, nil); w.Code != http.StatusOK {
		t.Errorf("lookup: expected 200, got %d", w.Code)
	}

	sealReq := map[string]any{
		"tenant_id": "fleet-a", "event_type": "door_open", "description": "cargo door",
		"device_fingerprint": fp,
	}
	if w := env.do(t, http.MethodPost, "/api/v1/evidence", sealReq); w.Code != http.StatusCreated {
		t.Fatalf("seal with active device: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/devices/"+fp+"/revoke", nil)
	if w.Code != http.StatusOK || decode(t, w)["status"] != devices.StatusRevoked {
		t.Fatalf("revoke: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/v1/evidence", sealReq); w.Code != http.StatusForbidden {
		t.Errorf("seal with revoked device: expected 403, got %d", w.Code)
	}
}

func TestDevices_errors(t *testing.T) {
	env := setupRouter(t)

	w := env.do(t, http.MethodPost, "/api/v1/devices", map[string]any{
		"tenant_id": "fleet-a", "device_id": "unit-1", "cert_pem": "not a certificate",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad pem: expected 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/devices/abcd", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown device: expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/devices/abcd/revoke", nil); w.Code != http.StatusNotFound {
		t.Errorf("revoke unknown: expected 404, got %d", w.Code)
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(cctx, 1, 2))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes[i] = w.Code
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes: %v", codes)
	}
}

func TestRateLimiter_budgetIsPerClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(cctx, 1, 1))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := call("198.51.100.7:4000"); code != http.StatusNoContent {
		t.Fatalf("first gateway, first call: got %d", code)
	}
	if code := call("198.51.100.7:4001"); code != http.StatusTooManyRequests {
		t.Errorf("first gateway, second call: got %d, want 429", code)
	}
	if code := call("203.0.113.9:4000"); code != http.StatusNoContent {
		t.Errorf("second gateway should have its own budget, got %d", code)
	}
}

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := health.New(health.Config{}, zap.NewNop())
	checker.Register("postgres", func(context.Context) error { return nil })

	r := gin.New()
	handler.NewHealthHandler(checker, "test").Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	checker.Register("redis", func(context.Context) error { return errors.New("connection refused") })
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("liveness: expected 200, got %d", w.Code)
	}
}
