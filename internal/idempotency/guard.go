// Package idempotency deduplicates externally triggered financial operations.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// ErrInProgress is returned by Do when another caller holds the key.
var ErrInProgress = errors.New("operation already in progress")

// Store persists idempotency records.
type Store interface {
	InsertIdempotencyRecord(ctx context.Context, key string, expiresAt time.Time) (bool, error)
	GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	DeleteStaleIdempotencyRecord(ctx context.Context, key string, now time.Time) error
	FinishIdempotencyRecord(ctx context.Context, key string, status domain.IdempotencyStatus, response []byte, errMsg string) error
	PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

// Result is the outcome of Check. New is true for exactly one caller per key
// until the record expires or fails.
type Result struct {
	New      bool                     `json:"new"`
	Status   domain.IdempotencyStatus `json:"status"`
	Response json.RawMessage          `json:"response,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// Guard implements check / markCompleted / markFailed over a Store.
type Guard struct {
	store  Store
	ttl    time.Duration
	clock  func() time.Time
	logger zerolog.Logger
}

// NewGuard creates a Guard. ttl is used when a caller passes zero.
func NewGuard(store Store, ttl time.Duration) *Guard {
	return &Guard{
		store:  store,
		ttl:    ttl,
		clock:  time.Now,
		logger: log.With().Str("component", "idempotency").Logger(),
	}
}

// Key fingerprints an operation so semantically identical retries share a key.
func Key(operation, caller string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode idempotency payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(caller))
	h.Write([]byte{0})
	h.Write(body)
	return operation + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// Check claims key. If another caller already holds an unexpired record, the
// existing state is reported instead. Expired and failed records are replaced.
func (g *Guard) Check(ctx context.Context, key string, ttl time.Duration) (Result, error) {
	if ttl <= 0 {
		ttl = g.ttl
	}

	for attempt := 0; attempt < 2; attempt++ {
		now := g.clock()
		inserted, err := g.store.InsertIdempotencyRecord(ctx, key, now.Add(ttl))
		if err != nil {
			return Result{}, err
		}
		if inserted {
			return Result{New: true, Status: domain.IdempotencyProcessing}, nil
		}

		rec, err := g.store.GetIdempotencyRecord(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, err
		}

		if !rec.Expired(now) && rec.Status != domain.IdempotencyFailed {
			return Result{
				Status:   rec.Status,
				Response: rec.Response,
				Error:    rec.Error,
			}, nil
		}

		if err := g.store.DeleteStaleIdempotencyRecord(ctx, key, now); err != nil {
			return Result{}, err
		}
	}

	// Lost the race to recreate the record; report the winner's state.
	rec, err := g.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: rec.Status, Response: rec.Response, Error: rec.Error}, nil
}

// MarkCompleted stores the response of a finished operation. A failure only
// weakens deduplication of later retries, so callers may log and continue.
func (g *Guard) MarkCompleted(ctx context.Context, key string, response any) error {
	var body []byte
	if response != nil {
		var err error
		if body, err = json.Marshal(response); err != nil {
			return fmt.Errorf("encode idempotency response: %w", err)
		}
	}
	if err := g.store.FinishIdempotencyRecord(ctx, key, domain.IdempotencyCompleted, body, ""); err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("mark completed failed")
		return err
	}
	return nil
}

// MarkFailed records that the operation failed, allowing a retry to claim the key.
func (g *Guard) MarkFailed(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := g.store.FinishIdempotencyRecord(ctx, key, domain.IdempotencyFailed, nil, msg); err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("mark failed failed")
		return err
	}
	return nil
}

// Do runs fn once per key. A completed key replays its stored response; a key
// still processing returns ErrInProgress.
func (g *Guard) Do(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (any, error)) (json.RawMessage, error) {
	res, err := g.Check(ctx, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("check idempotency: %w", err)
	}
	if !res.New {
		if res.Status == domain.IdempotencyCompleted {
			return res.Response, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrInProgress, key)
	}

	out, err := fn(ctx)
	if err != nil {
		g.MarkFailed(ctx, key, err)
		return nil, err
	}

	body, merr := json.Marshal(out)
	if merr != nil {
		g.MarkFailed(ctx, key, merr)
		return nil, fmt.Errorf("encode idempotency response: %w", merr)
	}
	g.MarkCompleted(ctx, key, json.RawMessage(body))
	return body, nil
}

// PurgeExpired deletes every expired record.
func (g *Guard) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := g.store.PurgeExpiredIdempotencyRecords(ctx, g.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.logger.Debug().Int64("purged", n).Msg("purged expired idempotency records")
	}
	return n, nil
}
