package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/fleetevidence/internal/devices"
	"github.com/jmerrifield20/fleetevidence/internal/evidence"
	"github.com/jmerrifield20/fleetevidence/internal/gnss"
)

// ErrNotFound is matched by errors.Is for any 404 response.
var ErrNotFound = errors.New("not found")

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 64 << 20

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int      `json:"-"`
	Message    string   `json:"error"`
	Fields     []string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("server error %d: %s [%s]", e.StatusCode, e.Message, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ChainOverview is the response of Chain.
type ChainOverview struct {
	TenantID     string     `json:"tenant_id"`
	Length       int64      `json:"length"`
	HeadHash     string     `json:"head_hash"`
	HeadSealedAt *time.Time `json:"head_sealed_at,omitempty"`
	Pending      *struct {
		FromIndex int64 `json:"from_index"`
		ToIndex   int64 `json:"to_index"`
	} `json:"pending"`
}

// Client talks to an evidenced server.
type Client struct {
	base       string
	httpClient *http.Client
	actor      string
	retries    int
	retryWait  time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithActor names the caller in the access log of every record it reads,
// verifies, or exports.
func WithActor(actor string) Option {
	return func(c *Client) error {
		c.actor = actor
		return nil
	}
}

// WithRetries retries requests answered with 503 (chain contention) up to n
// times, waiting wait or the server's Retry-After between attempts.
func WithRetries(n int, wait time.Duration) Option {
	return func(c *Client) error {
		if n < 0 {
			return fmt.Errorf("retries must not be negative, got %d", n)
		}
		c.retries = n
		c.retryWait = wait
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryWait:  time.Second,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Seal appends an evidence record to the tenant's chain.
func (c *Client) Seal(ctx context.Context, req evidence.SealRequest) (*evidence.Record, error) {
	var rec evidence.Record
	if err := c.call(ctx, http.MethodPost, "/api/v1/evidence", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get fetches a record. The read is logged against the record.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*evidence.Record, error) {
	var rec evidence.Record
	if err := c.call(ctx, http.MethodGet, "/api/v1/evidence/"+id.String(), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Verify runs the server-side integrity checks of one record.
func (c *Client) Verify(ctx context.Context, req evidence.VerifyRequest) (*evidence.VerificationResult, error) {
	var res evidence.VerificationResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/evidence/verify", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyBundle asks the server to verify an exported bundle. The bundle is
// sent as-is; use evidence.VerifyBundle to verify without a server.
func (c *Client) VerifyBundle(ctx context.Context, bundle []byte) (*evidence.BundleReport, error) {
	var report evidence.BundleReport
	if err := c.call(ctx, http.MethodPost, "/api/v1/evidence/bundles/verify", json.RawMessage(bundle), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Batch seals a Merkle root over [FromIndex, ToIndex] of a tenant's chain.
func (c *Client) Batch(ctx context.Context, req evidence.BatchRequest) (*evidence.MerkleRoot, error) {
	var root evidence.MerkleRoot
	if err := c.call(ctx, http.MethodPost, "/api/v1/merkle/batches", req, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// GetBatch fetches a Merkle root.
func (c *Client) GetBatch(ctx context.Context, id uuid.UUID) (*evidence.MerkleRoot, error) {
	var root evidence.MerkleRoot
	if err := c.call(ctx, http.MethodGet, "/api/v1/merkle/batches/"+id.String(), nil, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// SealPending batches every record not yet covered by a Merkle root.
func (c *Client) SealPending(ctx context.Context, tenantID string) (*evidence.MerkleRoot, error) {
	var root evidence.MerkleRoot
	path := "/api/v1/tenants/" + url.PathEscape(tenantID) + "/merkle/pending"
	if err := c.call(ctx, http.MethodPost, path, nil, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// Chain returns the head of a tenant's chain.
func (c *Client) Chain(ctx context.Context, tenantID string) (*ChainOverview, error) {
	var out ChainOverview
	if err := c.call(ctx, http.MethodGet, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/chain", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export returns the raw JSON bundle of a tenant's records in [from, to].
// Zero bounds select the whole chain.
func (c *Client) Export(ctx context.Context, tenantID string, from, to int64) ([]byte, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatInt(from, 10))
	}
	if to > 0 {
		q.Set("to", strconv.FormatInt(to, 10))
	}
	path := "/api/v1/tenants/" + url.PathEscape(tenantID) + "/export"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Detect scores one sample statelessly. It returns nil when no rule fires.
func (c *Client) Detect(ctx context.Context, s gnss.Sample, prev *gnss.State, fleetAnomalyCount int) (*gnss.Anomaly, error) {
	body := map[string]any{
		"sample":              s,
		"previous_state":      prev,
		"fleet_anomaly_count": fleetAnomalyCount,
	}
	var out struct {
		Anomaly *gnss.Anomaly `json:"anomaly"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/gnss/detect", body, &out); err != nil {
		return nil, err
	}
	return out.Anomaly, nil
}

// Ingest submits a sample to the stateful monitor.
func (c *Client) Ingest(ctx context.Context, tenantID string, s gnss.Sample) (*gnss.IngestResult, error) {
	body := struct {
		TenantID string `json:"tenant_id"`
		gnss.Sample
	}{TenantID: tenantID, Sample: s}
	var res gnss.IngestResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/gnss/samples", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RegisterDevice registers a device certificate.
func (c *Client) RegisterDevice(ctx context.Context, req devices.RegisterRequest) (*devices.Certificate, error) {
	var cert devices.Certificate
	if err := c.call(ctx, http.MethodPost, "/api/v1/devices", req, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// RevokeDevice revokes a device certificate by fingerprint.
func (c *Client) RevokeDevice(ctx context.Context, fingerprint string) (*devices.Certificate, error) {
	var cert devices.Certificate
	if err := c.call(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(fingerprint)+"/revoke", nil, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// call encodes in, sends the request, and decodes a 2xx body into out.
// 503 responses are retried when WithRetries is configured.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		status, body, header, err := c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if status == http.StatusServiceUnavailable && attempt < c.retries {
			if err := sleep(ctx, retryAfter(header, c.retryWait)); err != nil {
				return err
			}
			continue
		}
		if status >= 300 {
			apiErr := &APIError{StatusCode: status}
			if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(body))
			}
			return apiErr
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (int, []byte, http.Header, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Evidence-Actor", c.actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, resp.Header, nil
}

func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
