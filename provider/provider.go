// Package provider defines the byte store the entity cache sits on.
//
// Implementations must hand back exactly the bytes they were given. The cache
// frames every value itself (generation, version, tag generations) and treats
// anything it cannot parse as corrupt, deleting it on sight. Keys under the
// "e:<namespace>:" and "t:<namespace>:" prefixes belong to the cache.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable may be wrapped by providers to signal a transport outage
// as opposed to a logic error. The cache treats every error as an outage.
var ErrUnavailable = errors.New("provider: unavailable")

// Provider is a concurrent byte store with optional TTLs.
type Provider interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. cost is a hint for admission-based stores.
	// ok=false means the store refused the write (admission, size limit).
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Missing keys are not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
