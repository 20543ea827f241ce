package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Ledger statuses. A row moves pending -> generated -> completed; a pending
// row is deleted when its holder fails before generating an answer.
const (
	IdempotencyPending   = "pending"
	IdempotencyGenerated = "generated"
	IdempotencyCompleted = "completed"
)

// IdempotencyRecord is the stored outcome for one (scope, key).
type IdempotencyRecord struct {
	Scope        string
	Key          string
	Status       string
	RequestHash  string
	ChatID       string
	ResponseText string
	MessageID    string
	ResponseID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

const idempotencyColumns = `scope, key, status, request_hash, chat_id, response_text, message_id, response_id, created_at, updated_at, expires_at`

func scanIdempotency(row rowScanner) (IdempotencyRecord, error) {
	var (
		r       IdempotencyRecord
		expires sql.NullTime
	)
	if err := row.Scan(&r.Scope, &r.Key, &r.Status, &r.RequestHash, &r.ChatID, &r.ResponseText, &r.MessageID, &r.ResponseID, &r.CreatedAt, &r.UpdatedAt, &expires); err != nil {
		return IdempotencyRecord{}, err
	}
	if expires.Valid {
		r.ExpiresAt = expires.Time
	}
	return r, nil
}

// ClaimIdempotencyKey inserts rec as a pending claim. When the key is already
// held it returns the existing record and false.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, rec IdempotencyRecord) (IdempotencyRecord, bool, error) {
	if rec.Scope == "" || rec.Key == "" {
		return IdempotencyRecord{}, false, fmt.Errorf("scope and key must be provided")
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO idempotency_keys (scope, key, status, request_hash, chat_id, created_at, updated_at, expires_at)
VALUES ($1,$2,'pending',$3,$4,$5,$5,$6)
ON CONFLICT DO NOTHING
RETURNING `+idempotencyColumns,
		rec.Scope, rec.Key, rec.RequestHash, rec.ChatID, rec.CreatedAt, nullTime(rec.ExpiresAt))
	claimed, err := scanIdempotency(row)
	if err == nil {
		return claimed, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	existing, ok, err := s.GetIdempotencyRecord(ctx, rec.Scope, rec.Key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if !ok {
		// released between our insert and read; the caller may claim again
		return IdempotencyRecord{}, false, ErrNotFound
	}
	return existing, false, nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE scope = $1 AND key = $2`, scope, key)
	r, err := scanIdempotency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return r, true, nil
}

// TakeOverIdempotencyKey refreshes a pending claim last touched before
// staleBefore so a new holder can proceed. It reports whether it won.
func (s *Store) TakeOverIdempotencyKey(ctx context.Context, scope, key string, staleBefore, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE idempotency_keys SET updated_at = $4
WHERE scope = $1 AND key = $2 AND status = 'pending' AND updated_at < $3`, scope, key, staleBefore, now)
	if err != nil {
		return false, fmt.Errorf("take over idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchIdempotencyKey refreshes a pending claim so it is not mistaken for an
// abandoned one while its holder is still working.
func (s *Store) TouchIdempotencyKey(ctx context.Context, scope, key string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE idempotency_keys SET updated_at = $3 WHERE scope = $1 AND key = $2 AND status = 'pending'`, scope, key, now)
	if err != nil {
		return fmt.Errorf("touch idempotency key: %w", err)
	}
	return nil
}

// RecordIdempotencyOutcome stores the generated answer before the conversation
// write. Only the first answer for a key is kept: a later holder gets
// ErrOutcomeRecorded and must use the stored one.
func (s *Store) RecordIdempotencyOutcome(ctx context.Context, rec IdempotencyRecord) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE idempotency_keys
SET status = 'generated', chat_id = $3, response_text = $4, message_id = $5, response_id = $6, updated_at = $7
WHERE scope = $1 AND key = $2 AND status = 'pending'`,
		rec.Scope, rec.Key, rec.ChatID, rec.ResponseText, rec.MessageID, rec.ResponseID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record idempotency outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	_, ok, err := s.GetIdempotencyRecord(ctx, rec.Scope, rec.Key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return ErrOutcomeRecorded
}

// CompleteIdempotencyKey marks the outcome as durably persisted in its conversation.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, scope, key string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE idempotency_keys SET status = 'completed', updated_at = $3 WHERE scope = $1 AND key = $2`, scope, key, now)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotencyKey drops a pending claim so the request can be retried.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, scope, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE scope = $1 AND key = $2 AND status = 'pending'`, scope, key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
