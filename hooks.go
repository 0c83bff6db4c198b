package cascore

import "time"

// Hooks receives high-signal events from the cache, bus, projector and
// coordinator. Implementations must be cheap and non-blocking; they are
// called on hot paths. Wrap slow sinks with hooks/async.
type Hooks interface {
	// A cache entry was deleted on read.
	// reason ∈ {"corrupt", "expired", "gen_mismatch", "tag_mismatch", "version_floor", "value_decode"}
	SelfHeal(storageKey, reason string)

	// A loaded value was not written back.
	// reason ∈ {"gen_changed", "tag_changed", "version_floor", "canceled"}
	StaleWriteDiscarded(storageKey, reason string)

	// Provider returned ok=false on Set.
	ProviderSetRejected(storageKey string)

	// Provider or GenStore failed; op ∈ {"get", "put", "snapshot"}.
	CacheUnavailable(op, storageKey string, err error)

	// Both gen bump and delete failed during an invalidation.
	InvalidateOutage(key string, bumpErr, delErr error)

	// A bus subscriber exhausted its delivery attempts.
	InvalidationFailure(subscriber string, key string, version uint64, err error)

	// A projection gap outlived the gap timeout and self-heal started.
	ProjectionLagExceeded(key string, applied, waiting uint64, age time.Duration)

	// A commit failed and the scope was rolled back.
	TransactionConflict(txID string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                                     {}
func (NopHooks) StaleWriteDiscarded(string, string)                          {}
func (NopHooks) ProviderSetRejected(string)                                  {}
func (NopHooks) CacheUnavailable(string, string, error)                      {}
func (NopHooks) InvalidateOutage(string, error, error)                       {}
func (NopHooks) InvalidationFailure(string, string, uint64, error)           {}
func (NopHooks) ProjectionLagExceeded(string, uint64, uint64, time.Duration) {}
func (NopHooks) TransactionConflict(string, error)                           {}
