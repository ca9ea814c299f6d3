// Package store defines the [RecordStore] interface that persists
// notification records for the deduper, and provides three implementations:
//
//   - [MemoryStore]: in-process map; records are lost on restart.
//   - [SQLStore]: gorm-backed table on SQLite or PostgreSQL.
//   - [RedisStore]: one Redis hash per rule.
//
// Stores are not required to be atomic across calls; the deduper serialises
// its read-modify-write sequences.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// TimestampPrecision is the finest time resolution every backend keeps.
// PostgreSQL timestamptz stores microseconds.
const TimestampPrecision = time.Microsecond

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// RecordStore persists (rule, resource) → lastNotifiedAt.
type RecordStore interface {
	// Get returns the record for the pair and whether it exists.
	Get(ctx context.Context, ruleName, resourceID string) (models.NotificationRecord, bool, error)

	// Put inserts or replaces the record for rec's pair.
	Put(ctx context.Context, rec models.NotificationRecord) error

	// Delete removes one record. Deleting a missing record is not an error.
	Delete(ctx context.Context, ruleName, resourceID string) error

	// DeleteRule removes every record of the named rule.
	DeleteRule(ctx context.Context, ruleName string) error

	// List returns every stored record in unspecified order.
	List(ctx context.Context) ([]models.NotificationRecord, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
