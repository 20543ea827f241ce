// Package store persists conversations, the idempotency ledger, training
// collections and sync jobs. Store is the Postgres implementation;
// MemoryStore keeps the same contract in process memory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrVersionConflict is returned when a conditional update finds a newer row version.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrDuplicate is returned when an insert hits an existing unique key.
	ErrDuplicate = errors.New("store: duplicate key")
	ErrNotFound  = errors.New("store: not found")
	// ErrOutcomeRecorded is returned when another holder already recorded an
	// answer for the same idempotency key.
	ErrOutcomeRecorded = errors.New("store: outcome already recorded")
)

const uniqueViolation = "23505"

type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection pool.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// PurgeExpired removes conversations whose expiry has passed, then ledger rows
// whose expiry has passed and whose conversation is gone.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if now.IsZero() {
		return 0, fmt.Errorf("purge cutoff must be provided")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	convs, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `
DELETE FROM idempotency_keys k
WHERE k.expires_at IS NOT NULL AND k.expires_at < $1
  AND NOT EXISTS (SELECT 1 FROM conversations c WHERE c.chat_id = k.chat_id)`, now); err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return convs, nil
}

// ClaimIdempotency registers a processed event once. It returns false if the
// (scope, key) pair was already claimed.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO event_claims (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
