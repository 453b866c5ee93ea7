// Package devices keeps the registry of telematics device certificates whose
// fingerprints may be attached to sealed evidence.
package devices

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no certificate has the requested fingerprint.
	ErrNotFound = errors.New("device certificate not found")

	// ErrAlreadyRegistered is returned when a fingerprint is registered twice.
	ErrAlreadyRegistered = errors.New("device certificate already registered")

	// ErrInvalidCertificate is returned when the PEM does not hold an X.509 certificate.
	ErrInvalidCertificate = errors.New("invalid device certificate")
)

// Status values for Certificate.Status.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Certificate is a registered device certificate.
type Certificate struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Fingerprint  string     `json:"fingerprint"`
	DeviceID     string     `json:"device_id"`
	VehicleID    string     `json:"vehicle_id,omitempty"`
	Subject      string     `json:"subject"`
	NotAfter     time.Time  `json:"not_after"`
	CertPEM      string     `json:"cert_pem"`
	Status       string     `json:"status"`
	RegisteredAt time.Time  `json:"registered_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the certificate may still authorize seals at now.
func (c *Certificate) Active(now time.Time) bool {
	return c.Status == StatusActive && (c.NotAfter.IsZero() || now.Before(c.NotAfter))
}

// RegisterRequest is the input to Service.Register.
type RegisterRequest struct {
	TenantID  string `json:"tenant_id"`
	DeviceID  string `json:"device_id"`
	VehicleID string `json:"vehicle_id,omitempty"`
	CertPEM   string `json:"cert_pem"`
}

// Registry persists device certificates.
type Registry interface {
	// Create stores a new certificate or returns ErrAlreadyRegistered.
	Create(ctx context.Context, cert *Certificate) error

	// GetByFingerprint returns a certificate or ErrNotFound.
	GetByFingerprint(ctx context.Context, fingerprint string) (*Certificate, error)

	// Revoke marks a certificate revoked and returns the updated row.
	Revoke(ctx context.Context, fingerprint string, at time.Time) (*Certificate, error)
}

// Fingerprint returns the lowercase hex SHA-256 of the certificate's DER
// encoding, together with the parsed certificate.
func Fingerprint(certPEM string) (string, *x509.Certificate, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(certPEM)))
	if block == nil || block.Type != "CERTIFICATE" {
		return "", nil, ErrInvalidCertificate
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", nil, ErrInvalidCertificate
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), cert, nil
}

// NormalizeFingerprint lowercases a fingerprint and strips ':' separators so
// "AB:CD" and "abcd" name the same certificate.
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}
