package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"

	"github.com/1inch/swap-coordinator/internal/types"
)

//go:embed migrations.sql
var schema string

const uniqueViolation = "23505"

// PostgresRegistry stores swap records in Postgres.
type PostgresRegistry struct {
	db    *sql.DB
	clock clockwork.Clock
}

// OpenDB connects to Postgres and checks the connection.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the registry schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

// NewPostgresRegistry creates a registry on an open database.
func NewPostgresRegistry(db *sql.DB, clock clockwork.Clock) *PostgresRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresRegistry{db: db, clock: clock}
}

// Put inserts a new swap record
func (r *PostgresRegistry) Put(ctx context.Context, rec *types.SwapRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode swap: %w", err)
	}

	query := `
		INSERT INTO swap_records (swap_id, phase, hashlock, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.db.ExecContext(ctx, query,
		rec.SwapID,
		string(rec.Phase),
		rec.Hashlock.Hex(),
		raw,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrSwapExists, rec.SwapID)
	}
	if err != nil {
		return fmt.Errorf("failed to create swap: %w", err)
	}
	return nil
}

// Get retrieves a swap by id
func (r *PostgresRegistry) Get(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	query := `SELECT record FROM swap_records WHERE swap_id = $1`
	return r.scanRecord(r.db.QueryRowContext(ctx, query, swapID), swapID)
}

// List returns all swaps, oldest first
func (r *PostgresRegistry) List(ctx context.Context) ([]*types.SwapRecord, error) {
	query := `SELECT record FROM swap_records ORDER BY created_at ASC`
	return r.queryRecords(ctx, query)
}

// ListActive returns swaps that are not settled
func (r *PostgresRegistry) ListActive(ctx context.Context) ([]*types.SwapRecord, error) {
	phases := make([]string, 0, len(types.ActivePhases()))
	for _, p := range types.ActivePhases() {
		phases = append(phases, string(p))
	}
	query := `SELECT record FROM swap_records WHERE phase = ANY($1) ORDER BY created_at ASC`
	return r.queryRecords(ctx, query, pq.Array(phases))
}

// Save replaces a swap record under the caller's lease
func (r *PostgresRegistry) Save(ctx context.Context, rec *types.SwapRecord, lease Lease) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.checkLease(ctx, tx, rec.SwapID, lease); err != nil {
			return err
		}
		return r.writeRecord(ctx, tx, rec)
	})
}

// UpdatePhase moves a swap to a new phase under the caller's lease
func (r *PostgresRegistry) UpdatePhase(ctx context.Context, swapID string, phase types.Phase, lease Lease) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.checkLease(ctx, tx, swapID, lease); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT record FROM swap_records WHERE swap_id = $1 FOR UPDATE`, swapID)
		rec, err := r.scanRecord(row, swapID)
		if err != nil {
			return err
		}
		rec.SetPhase(phase, r.clock.Now(), "")
		return r.writeRecord(ctx, tx, rec)
	})
}

// HashlockInUse reports whether any swap uses the hashlock
func (r *PostgresRegistry) HashlockInUse(ctx context.Context, hashlock types.Hash) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM swap_records WHERE hashlock = $1)`, hashlock.Hex()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up hashlock: %w", err)
	}
	return exists, nil
}

// AcquireLease takes the lease if it is free, expired, or already ours
func (r *PostgresRegistry) AcquireLease(ctx context.Context, swapID, owner string, ttl time.Duration) (Lease, error) {
	now := r.clock.Now()
	expiresAt := now.Add(ttl)

	query := `
		INSERT INTO swap_leases (swap_id, owner, token, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (swap_id) DO UPDATE
		SET owner = EXCLUDED.owner, token = swap_leases.token + 1, expires_at = EXCLUDED.expires_at
		WHERE swap_leases.owner = EXCLUDED.owner OR swap_leases.expires_at <= $4
		RETURNING token`

	var token int64
	err := r.db.QueryRowContext(ctx, query, swapID, owner, expiresAt, now).Scan(&token)
	if err == sql.ErrNoRows {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseHeld, swapID)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return Lease{}, fmt.Errorf("%w: %s", ErrSwapNotFound, swapID)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("failed to acquire lease: %w", err)
	}

	return Lease{SwapID: swapID, Owner: owner, Token: uint64(token), ExpiresAt: expiresAt}, nil
}

// RenewLease extends a lease the caller still holds
func (r *PostgresRegistry) RenewLease(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	now := r.clock.Now()
	expiresAt := now.Add(ttl)

	res, err := r.db.ExecContext(ctx, `
		UPDATE swap_leases SET expires_at = $1
		WHERE swap_id = $2 AND owner = $3 AND token = $4 AND expires_at > $5`,
		expiresAt, lease.SwapID, lease.Owner, int64(lease.Token), now)
	if err != nil {
		return Lease{}, fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseLost, lease.SwapID)
	}

	lease.ExpiresAt = expiresAt
	return lease, nil
}

// ReleaseLease gives up a lease; releasing a lost lease is a no-op
func (r *PostgresRegistry) ReleaseLease(ctx context.Context, lease Lease) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE swap_leases SET owner = '', expires_at = to_timestamp(0)
		WHERE swap_id = $1 AND owner = $2 AND token = $3`,
		lease.SwapID, lease.Owner, int64(lease.Token))
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Delete removes a swap and its lease
func (r *PostgresRegistry) Delete(ctx context.Context, swapID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM swap_records WHERE swap_id = $1`, swapID)
	if err != nil {
		return fmt.Errorf("failed to delete swap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, swapID)
	}
	return nil
}

func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

func (r *PostgresRegistry) checkLease(ctx context.Context, tx *sql.Tx, swapID string, held Lease) error {
	var stored Lease
	var token int64
	err := tx.QueryRowContext(ctx,
		`SELECT owner, token, expires_at FROM swap_leases WHERE swap_id = $1 FOR UPDATE`, swapID,
	).Scan(&stored.Owner, &token, &stored.ExpiresAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrLeaseLost, swapID)
	}
	if err != nil {
		return fmt.Errorf("failed to read lease: %w", err)
	}
	stored.Token = uint64(token)
	if held.SwapID != swapID || !leaseValid(stored, held, r.clock.Now()) {
		return fmt.Errorf("%w: %s", ErrLeaseLost, swapID)
	}
	return nil
}

func (r *PostgresRegistry) writeRecord(ctx context.Context, tx *sql.Tx, rec *types.SwapRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode swap: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE swap_records SET phase = $1, record = $2, updated_at = $3
		WHERE swap_id = $4`,
		string(rec.Phase), raw, rec.UpdatedAt, rec.SwapID)
	if err != nil {
		return fmt.Errorf("failed to update swap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, rec.SwapID)
	}
	return nil
}

func (r *PostgresRegistry) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*types.SwapRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	var records []*types.SwapRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows, "")
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate swaps: %w", err)
	}
	return records, nil
}

func (r *PostgresRegistry) scanRecord(scanner interface{ Scan(...interface{}) error }, swapID string) (*types.SwapRecord, error) {
	var raw []byte
	if err := scanner.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, swapID)
		}
		return nil, fmt.Errorf("failed to scan swap: %w", err)
	}
	var rec types.SwapRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode swap: %w", err)
	}
	return &rec, nil
}
