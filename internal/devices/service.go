package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service registers, looks up, and revokes device certificates, and decides
// whether a fingerprint may seal evidence for a tenant.
type Service struct {
	registry Registry
	misses   *missCache
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates a Service. IsAuthorized remembers unregistered
// fingerprints for cacheTTL; a zero TTL disables that cache. Registered
// certificates are always read from the registry.
func NewService(registry Registry, cacheTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		registry: registry,
		misses:   newMissCache(cacheTTL),
		now:      time.Now,
		logger:   logger,
	}
}

// Register parses and stores a device certificate.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Certificate, error) {
	var missing []string
	if strings.TrimSpace(req.TenantID) == "" {
		missing = append(missing, "tenant_id")
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		missing = append(missing, "device_id")
	}
	if strings.TrimSpace(req.CertPEM) == "" {
		missing = append(missing, "cert_pem")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidCertificate, strings.Join(missing, ", "))
	}

	fp, x509Cert, err := Fingerprint(req.CertPEM)
	if err != nil {
		return nil, err
	}

	cert := &Certificate{
		ID:           uuid.New(),
		TenantID:     req.TenantID,
		Fingerprint:  fp,
		DeviceID:     req.DeviceID,
		VehicleID:    req.VehicleID,
		Subject:      x509Cert.Subject.String(),
		NotAfter:     x509Cert.NotAfter.UTC(),
		CertPEM:      strings.TrimSpace(req.CertPEM),
		Status:       StatusActive,
		RegisteredAt: s.now().UTC(),
	}
	if err := s.registry.Create(ctx, cert); err != nil {
		return nil, err
	}
	s.misses.invalidate(fp)

	s.logger.Info("device certificate registered",
		zap.String("tenant_id", cert.TenantID),
		zap.String("device_id", cert.DeviceID),
		zap.String("fingerprint", fp),
	)
	return cert, nil
}

// Lookup returns the certificate with the given fingerprint.
func (s *Service) Lookup(ctx context.Context, fingerprint string) (*Certificate, error) {
	return s.registry.GetByFingerprint(ctx, NormalizeFingerprint(fingerprint))
}

// Revoke marks a certificate revoked. Seals naming it are refused from then on.
func (s *Service) Revoke(ctx context.Context, fingerprint string) (*Certificate, error) {
	fp := NormalizeFingerprint(fingerprint)
	cert, err := s.registry.Revoke(ctx, fp, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("device certificate revoked",
		zap.String("tenant_id", cert.TenantID),
		zap.String("fingerprint", fp),
	)
	return cert, nil
}

// IsAuthorized reports whether fingerprint names an active, unexpired
// certificate registered to tenantID. The status is read from the registry
// on every call, so a revocation through any replica is seen immediately.
func (s *Service) IsAuthorized(ctx context.Context, tenantID, fingerprint string) (bool, error) {
	fp := NormalizeFingerprint(fingerprint)
	if s.misses.has(fp) {
		return false, nil
	}

	cert, err := s.registry.GetByFingerprint(ctx, fp)
	switch {
	case errors.Is(err, ErrNotFound):
		s.misses.add(fp)
		return false, nil
	case err != nil:
		return false, err
	}
	return cert.TenantID == tenantID && cert.Active(s.now()), nil
}

// EvictExpired drops stale entries from the unregistered-fingerprint cache.
// It returns the number removed.
func (s *Service) EvictExpired() int {
	return s.misses.evict()
}
