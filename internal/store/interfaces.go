package store

import (
	"context"
	"errors"
	"time"

	"github.com/rollsync/rollsync/internal/models"
)

// ErrNotFound is returned by a RecordStore when no record exists for a key.
var ErrNotFound = errors.New("not found")

// ErrCacheMiss is returned by a RecordCache when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// RecordCache is the fast-path mirror of canonical records. It holds records
// with a per-key TTL and is never the source of truth: a failed cache call
// must be treated as a miss, never as an error that blocks ingestion.
type RecordCache interface {
	Get(ctx context.Context, key models.RecordKey) (*models.AttendanceRecord, error)
	Set(ctx context.Context, record *models.AttendanceRecord, ttl time.Duration) error
	Delete(ctx context.Context, key models.RecordKey) error
}

// RecordStore is the authoritative durable mirror. Writes are retried
// asynchronously by the engine; Put must be safe to replay in any order
// (it never overwrites a record with a higher version).
type RecordStore interface {
	Get(ctx context.Context, key models.RecordKey) (*models.AttendanceRecord, error)
	Put(ctx context.Context, record *models.AttendanceRecord) error
	ListByClass(ctx context.Context, classID string) ([]*models.AttendanceRecord, error)
}
