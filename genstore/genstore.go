// Package genstore keeps the per-key generation counters the entity cache
// uses to reject stale writes. Entity keys and tag keys share one counter space.
package genstore

import (
	"context"
	"time"
)

// GenStore is where generations live. LocalGenStore serves a single process;
// RedisGenStore shares generations across replicas so an invalidation in one
// process retires entries written by another.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns generations for keys; missing => 0.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup prunes entries idle longer than retention. No-op where the
	// backend expires keys itself.
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
