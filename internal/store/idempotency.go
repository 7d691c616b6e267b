package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// InsertIdempotencyRecord creates a processing record for key. Returns false
// when a record with the same key already exists.
func (r *Repository) InsertIdempotencyRecord(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, status, expires_at)
		VALUES ($1, 'processing', $2)
		ON CONFLICT (key) DO NOTHING`, key, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

// GetIdempotencyRecord returns the record stored for key.
func (r *Repository) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT status, response, error, expires_at, created_at
		FROM idempotency_records WHERE key = $1`, key,
	).Scan(&status, &rec.Response, &rec.Error, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		return nil, notFound(err, "idempotency record")
	}
	rec.Status = domain.IdempotencyStatus(status)
	return &rec, nil
}

// DeleteStaleIdempotencyRecord removes key only if it expired at now or its
// operation failed, so a live record recreated by another caller survives.
func (r *Repository) DeleteStaleIdempotencyRecord(ctx context.Context, key string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE key = $1 AND (expires_at <= $2 OR status = 'failed')`, key, now)
	if err != nil {
		return fmt.Errorf("delete idempotency record: %w", classify(err))
	}
	return nil
}

// FinishIdempotencyRecord moves a record to completed or failed.
func (r *Repository) FinishIdempotencyRecord(ctx context.Context, key string, status domain.IdempotencyStatus, response []byte, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE idempotency_records SET status = $2, response = $3, error = $4, updated_at = NOW()
		WHERE key = $1`, key, string(status), response, errMsg)
	if err != nil {
		return fmt.Errorf("finish idempotency record: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish idempotency record: %w", domain.ErrNotFound)
	}
	return nil
}

// PurgeExpiredIdempotencyRecords deletes every record expired at now.
func (r *Repository) PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM idempotency_records WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}
