package cascore

import (
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/cascore/store"
)

var (
	ErrAlreadyActive         = errors.New("cascore: transaction scope already active")
	ErrScopeClosed           = errors.New("cascore: transaction scope closed")
	ErrTransactionConflict   = errors.New("cascore: transaction conflict")
	ErrNotFound              = errors.New("cascore: entity not found")
	ErrEntityExists          = errors.New("cascore: entity already exists")
	ErrCacheUnavailable      = errors.New("cascore: cache unavailable")
	ErrProjectionLagExceeded = errors.New("cascore: projection lag exceeded")
	ErrProjectionStale       = errors.New("cascore: projection stale")
	ErrInvalidationFailure   = errors.New("cascore: invalidation handler failed")
	ErrClosed                = errors.New("cascore: closed")
)

// ConflictError is returned when a commit fails. The store is unchanged.
// It is never retried by the coordinator.
type ConflictError struct {
	TxID string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cascore: transaction %s conflict: %v", e.TxID, e.Err)
}
func (e *ConflictError) Is(target error) bool { return target == ErrTransactionConflict }
func (e *ConflictError) Unwrap() error        { return e.Err }

type NotFoundError struct {
	Key store.Key
}

func (e *NotFoundError) Error() string        { return fmt.Sprintf("cascore: entity %s not found", e.Key) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound || target == store.ErrNotFound }

// CacheUnavailableError is surfaced only by caches configured fail-closed.
type CacheUnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cascore: cache unavailable during %s %q: %v", e.Op, e.Key, e.Err)
}
func (e *CacheUnavailableError) Is(target error) bool { return target == ErrCacheUnavailable }
func (e *CacheUnavailableError) Unwrap() error        { return e.Err }

// InvalidationFailureError describes a subscriber that kept failing after
// all delivery attempts. It is logged and passed to Hooks, never to the publisher.
type InvalidationFailureError struct {
	Subscriber string
	Event      ChangeEvent
	Attempts   int
	Err        error
}

func (e *InvalidationFailureError) Error() string {
	return fmt.Sprintf("cascore: subscriber %q failed on %s v%d after %d attempts: %v",
		e.Subscriber, e.Event.Key, e.Event.Version, e.Attempts, e.Err)
}
func (e *InvalidationFailureError) Is(target error) bool { return target == ErrInvalidationFailure }
func (e *InvalidationFailureError) Unwrap() error        { return e.Err }

// LagExceededError reports a version gap that outlived the gap timeout.
type LagExceededError struct {
	Key      store.Key
	Applied  uint64
	Waiting  uint64
	Buffered int
	Age      time.Duration
}

func (e *LagExceededError) Error() string {
	return fmt.Sprintf("cascore: projection of %s stuck at v%d waiting for v%d (%d buffered, %s)",
		e.Key, e.Applied, e.Waiting, e.Buffered, e.Age)
}
func (e *LagExceededError) Is(target error) bool { return target == ErrProjectionLagExceeded }

// InvalidateError is returned only when both the generation bump and the
// delete failed. One of them succeeding is enough to keep reads correct.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Is(target error) bool { return target == ErrCacheUnavailable }

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
