package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fleetevidence/internal/evidence"
)

// maxBundleBytes caps the body of an offline bundle verification.
const maxBundleBytes = 32 << 20

// EvidenceHandler exposes the evidence ledger, verifier, and Merkle sealer.
type EvidenceHandler struct {
	ledger   *evidence.Ledger
	verifier *evidence.Verifier
	sealer   *evidence.Sealer
	logger   *zap.Logger
}

// NewEvidenceHandler creates a new EvidenceHandler.
func NewEvidenceHandler(ledger *evidence.Ledger, verifier *evidence.Verifier, sealer *evidence.Sealer, logger *zap.Logger) *EvidenceHandler {
	return &EvidenceHandler{ledger: ledger, verifier: verifier, sealer: sealer, logger: logger}
}

// Register mounts the evidence routes on the given router group.
func (h *EvidenceHandler) Register(rg *gin.RouterGroup) {
	ev := rg.Group("/evidence")
	{
		ev.POST("", h.Seal)
		ev.POST("/verify", h.Verify)
		ev.POST("/bundles/verify", h.VerifyBundle)
		ev.GET("/:id", h.Get)
	}

	m := rg.Group("/merkle")
	{
		m.POST("/batches", h.Batch)
		m.GET("/batches/:id", h.GetBatch)
	}

	t := rg.Group("/tenants/:tenant")
	{
		t.GET("/chain", h.Chain)
		t.GET("/export", h.Export)
		t.POST("/merkle/pending", h.SealPending)
	}
}

type chainLink struct {
	Index       int64  `json:"index"`
	PrevHash    string `json:"prev_hash"`
	CurrentHash string `json:"current_hash"`
}

type sealResponse struct {
	*evidence.Record
	Chain chainLink `json:"chain"`
}

// Seal handles POST /evidence.
func (h *EvidenceHandler) Seal(c *gin.Context) {
	var req evidence.SealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.ledger.Seal(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "seal evidence", err)
		return
	}
	RecordSeal(rec.EventType)

	c.JSON(http.StatusCreated, sealResponse{
		Record: rec,
		Chain: chainLink{
			Index:       rec.ChainIndex,
			PrevHash:    rec.PrevHash,
			CurrentHash: rec.SHA256Hash,
		},
	})
}

// Get handles GET /evidence/:id.
func (h *EvidenceHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	rec, err := h.ledger.Get(c.Request.Context(), id, actor(c))
	if err != nil {
		respondError(c, h.logger, "get evidence", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Verify handles POST /evidence/verify.
func (h *EvidenceHandler) Verify(c *gin.Context) {
	var req evidence.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.verifier.Verify(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "verify evidence", err)
		return
	}
	RecordVerification(intact(res))
	c.JSON(http.StatusOK, res)
}

func intact(res *evidence.VerificationResult) bool {
	if !res.HashVerified {
		return false
	}
	if res.ChainVerified != nil && !*res.ChainVerified {
		return false
	}
	return res.MerkleProof == nil || res.MerkleProof.Consistent
}

// VerifyBundle handles POST /evidence/bundles/verify. It verifies an exported
// bundle without touching the store.
func (h *EvidenceHandler) VerifyBundle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBundleBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) > maxBundleBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "bundle too large"})
		return
	}

	bundle, err := evidence.ParseBundle(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report := evidence.VerifyBundle(bundle)
	RecordBundleVerification(report.Verified())
	if !report.Verified() {
		h.logger.Warn("bundle verification failed",
			zap.Int("total", report.Total),
			zap.Int("failed", report.Failed),
			zap.Bool("chain_continuous", report.ChainContinuous),
		)
	}
	c.JSON(http.StatusOK, report)
}

// Batch handles POST /merkle/batches.
func (h *EvidenceHandler) Batch(c *gin.Context) {
	var req evidence.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	root, err := h.sealer.Batch(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "merkle batch", err)
		return
	}
	RecordMerkleBatch(root.LeafCount)
	c.JSON(http.StatusCreated, root)
}

// GetBatch handles GET /merkle/batches/:id.
func (h *EvidenceHandler) GetBatch(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	root, err := h.sealer.Root(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "get merkle root", err)
		return
	}
	c.JSON(http.StatusOK, root)
}

// SealPending handles POST /tenants/:tenant/merkle/pending.
func (h *EvidenceHandler) SealPending(c *gin.Context) {
	root, err := h.sealer.SealPending(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondError(c, h.logger, "seal pending", err)
		return
	}
	RecordMerkleBatch(root.LeafCount)
	c.JSON(http.StatusCreated, root)
}

// Chain handles GET /tenants/:tenant/chain and reports the chain head plus
// the range not yet covered by a Merkle batch.
func (h *EvidenceHandler) Chain(c *gin.Context) {
	ctx := c.Request.Context()
	tenant := c.Param("tenant")

	head, err := h.ledger.Head(ctx, tenant)
	if err != nil {
		respondError(c, h.logger, "chain head", err)
		return
	}

	resp := gin.H{
		"tenant_id":      head.TenantID,
		"length":         head.Length,
		"head_hash":      head.HeadHash,
		"head_sealed_at": head.HeadSealedAt,
		"pending":        nil,
	}
	from, to, err := h.sealer.Pending(ctx, tenant)
	switch {
	case err == nil:
		resp["pending"] = gin.H{"from_index": from, "to_index": to}
	case !errors.Is(err, evidence.ErrEmptyRange):
		respondError(c, h.logger, "pending range", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Export handles GET /tenants/:tenant/export?from=&to=.
func (h *EvidenceHandler) Export(c *gin.Context) {
	from, err := queryIndex(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer", "fields": []string{"from"}})
		return
	}
	to, err := queryIndex(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer", "fields": []string{"to"}})
		return
	}

	bundle, err := h.ledger.Export(c.Request.Context(), c.Param("tenant"), from, to, actor(c))
	if err != nil {
		respondError(c, h.logger, "export evidence", err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func queryIndex(c *gin.Context, key string) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
