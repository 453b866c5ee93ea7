package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const certColumns = `id, tenant_id, fingerprint, device_id, vehicle_id, subject,
	not_after, cert_pem, status, registered_at, revoked_at`

// PostgresRegistry stores device certificates in the device_certificates table.
type PostgresRegistry struct {
	db *pgxpool.Pool
}

// NewPostgresRegistry creates a PostgresRegistry.
func NewPostgresRegistry(db *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Create implements Registry.
func (r *PostgresRegistry) Create(ctx context.Context, c *Certificate) error {
	query := `
		INSERT INTO device_certificates (` + certColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		c.ID, c.TenantID, c.Fingerprint, c.DeviceID, nullString(c.VehicleID), c.Subject,
		c.NotAfter, c.CertPEM, c.Status, c.RegisteredAt, c.RevokedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyRegistered
	}
	if err != nil {
		return fmt.Errorf("insert device certificate: %w", err)
	}
	return nil
}

// GetByFingerprint implements Registry.
func (r *PostgresRegistry) GetByFingerprint(ctx context.Context, fingerprint string) (*Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM device_certificates WHERE fingerprint = $1`
	return scanCertificate(r.db.QueryRow(ctx, query, fingerprint))
}

// Revoke implements Registry.
func (r *PostgresRegistry) Revoke(ctx context.Context, fingerprint string, at time.Time) (*Certificate, error) {
	query := `
		UPDATE device_certificates
		SET status = $2, revoked_at = COALESCE(revoked_at, $3)
		WHERE fingerprint = $1
		RETURNING ` + certColumns
	return scanCertificate(r.db.QueryRow(ctx, query, fingerprint, StatusRevoked, at))
}

func scanCertificate(row pgx.Row) (*Certificate, error) {
	var (
		c         Certificate
		vehicleID *string
	)
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Fingerprint, &c.DeviceID, &vehicleID, &c.Subject,
		&c.NotAfter, &c.CertPEM, &c.Status, &c.RegisteredAt, &c.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device certificate: %w", err)
	}
	if vehicleID != nil {
		c.VehicleID = *vehicleID
	}
	return &c, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
