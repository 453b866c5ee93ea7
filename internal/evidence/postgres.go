package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint violation.
const pgUniqueViolation = "23505"

const recordColumns = `id, tenant_id, chain_index, prev_hash, sha256_hash, event_type,
	vehicle_id, description, data, source, device_fingerprint, device_signature,
	sealed_at, merkle_root_id, merkle_leaf_index, access_log`

const rootColumns = `id, tenant_id, root_hash, leaf_count, first_chain_index, last_chain_index,
	first_event_at, last_event_at, tree_depth, created_at`

// PostgresStore persists evidence records and Merkle roots in PostgreSQL.
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store.
// It takes a transaction-scoped advisory lock keyed by the tenant, reads the
// chain tail, builds the record, and inserts it. The unique constraint on
// (tenant_id, chain_index) backs up the lock.
func (s *PostgresStore) Append(ctx context.Context, tenantID string, build BuildFunc) (*Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Released automatically when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx,
		"SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", tenantID,
	); err != nil {
		return nil, fmt.Errorf("acquire tenant lock: %w", err)
	}

	prev, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM evidence_records
		 WHERE tenant_id = $1 ORDER BY chain_index DESC LIMIT 1`, tenantID,
	))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		prev = nil
	case err != nil:
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	rec, err := build(prev)
	if err != nil {
		return nil, err
	}

	accessLog, err := json.Marshal(rec.AccessLog)
	if err != nil {
		return nil, fmt.Errorf("marshal access log: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO evidence_records (
			id, tenant_id, chain_index, prev_hash, sha256_hash, event_type,
			vehicle_id, description, data, source, device_fingerprint, device_signature,
			sealed_at, access_log
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.TenantID, rec.ChainIndex, rec.PrevHash, rec.SHA256Hash, rec.EventType,
		nullString(rec.VehicleID), rec.Description, string(rec.Data), rec.Source,
		nullString(rec.DeviceFingerprint), nullString(rec.DeviceSignature),
		rec.SealedAt, string(accessLog),
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrIndexConflict
		}
		return nil, fmt.Errorf("insert evidence record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit evidence tx: %w", err)
	}
	return rec, nil
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context, tenantID string) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM evidence_records
		 WHERE tenant_id = $1 ORDER BY chain_index DESC LIMIT 1`, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}
	return rec, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM evidence_records WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get evidence record %s: %w", id, err)
	}
	return rec, nil
}

// Range implements Store.
func (s *PostgresStore) Range(ctx context.Context, tenantID string, from, to int64) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM evidence_records
		 WHERE tenant_id = $1 AND chain_index BETWEEN $2 AND $3
		 ORDER BY chain_index ASC`, tenantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return collectRecords(rows)
}

// AppendAccess implements Store.
func (s *PostgresStore) AppendAccess(ctx context.Context, id uuid.UUID, entry AccessEntry) (int, error) {
	b, err := json.Marshal([]AccessEntry{entry})
	if err != nil {
		return 0, fmt.Errorf("marshal access entry: %w", err)
	}
	var n int
	err = s.pool.QueryRow(ctx,
		`UPDATE evidence_records SET access_log = access_log || $2::jsonb
		 WHERE id = $1 RETURNING jsonb_array_length(access_log)`, id, string(b),
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrRecordNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("append access log: %w", err)
	}
	return n, nil
}

// SaveBatch implements Store.
// Leaf assignment only touches rows whose merkle_root_id is still NULL; a
// concurrent overlapping batch blocks on the row locks and then sees zero
// affected rows, which rolls the whole batch back.
func (s *PostgresStore) SaveBatch(ctx context.Context, root *MerkleRoot, leaves []uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO merkle_roots (`+rootColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		root.ID, root.TenantID, root.RootHash, root.LeafCount,
		root.FirstChainIndex, root.LastChainIndex,
		root.FirstEventAt, root.LastEventAt, root.TreeDepth, root.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert merkle root: %w", err)
	}

	for i, id := range leaves {
		tag, err := tx.Exec(ctx,
			`UPDATE evidence_records SET merkle_root_id = $1, merkle_leaf_index = $2
			 WHERE id = $3 AND merkle_root_id IS NULL`, root.ID, i, id,
		)
		if err != nil {
			return fmt.Errorf("assign merkle leaf %d: %w", i, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrOverlappingBatch
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit merkle batch: %w", err)
	}
	s.logger.Debug("merkle batch persisted",
		zap.String("root_id", root.ID.String()),
		zap.Int("leaves", len(leaves)),
	)
	return nil
}

// GetRoot implements Store.
func (s *PostgresStore) GetRoot(ctx context.Context, id uuid.UUID) (*MerkleRoot, error) {
	var r MerkleRoot
	err := s.pool.QueryRow(ctx,
		`SELECT `+rootColumns+` FROM merkle_roots WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.TenantID, &r.RootHash, &r.LeafCount,
		&r.FirstChainIndex, &r.LastChainIndex,
		&r.FirstEventAt, &r.LastEventAt, &r.TreeDepth, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRootNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get merkle root %s: %w", id, err)
	}
	return &r, nil
}

// RootLeaves implements Store.
func (s *PostgresStore) RootLeaves(ctx context.Context, rootID uuid.UUID) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM evidence_records
		 WHERE merkle_root_id = $1 ORDER BY merkle_leaf_index ASC`, rootID,
	)
	if err != nil {
		return nil, fmt.Errorf("query root leaves: %w", err)
	}
	return collectRecords(rows)
}

// LastBatchedIndex implements Store.
func (s *PostgresStore) LastBatchedIndex(ctx context.Context, tenantID string) (int64, error) {
	var last int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(last_chain_index), 0) FROM merkle_roots WHERE tenant_id = $1`, tenantID,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("last batched index: %w", err)
	}
	return last, nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec                               Record
		vehicleID, fingerprint, signature *string
		data, accessLog                   []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.ChainIndex, &rec.PrevHash, &rec.SHA256Hash, &rec.EventType,
		&vehicleID, &rec.Description, &data, &rec.Source, &fingerprint, &signature,
		&rec.SealedAt, &rec.MerkleRootID, &rec.MerkleLeafIndex, &accessLog,
	); err != nil {
		return nil, err
	}
	rec.VehicleID = derefString(vehicleID)
	rec.DeviceFingerprint = derefString(fingerprint)
	rec.DeviceSignature = derefString(signature)
	rec.SealedAt = rec.SealedAt.UTC()
	rec.Data = json.RawMessage(data)
	if len(accessLog) > 0 {
		if err := json.Unmarshal(accessLog, &rec.AccessLog); err != nil {
			return nil, fmt.Errorf("decode access log: %w", err)
		}
	}
	return &rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
