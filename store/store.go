// Package store defines the boundary to the authoritative storage engine.
//
// An Engine hands out transactions; every read and write goes through a Tx
// and becomes visible to other transactions only after Commit. Writes carry
// the version the caller expects to replace, which lets engines detect
// write-write conflicts without assuming serializable isolation.
//
// Deletes leave tombstones so an entity's version sequence never restarts.
// Tx.Get returns tombstones with Deleted set; Scan never returns them.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Tx.Get when the key was never written.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means an expected version did not match at write or commit time.
	ErrConflict = errors.New("store: write conflict")
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("store: transaction already finished")
)

// Key identifies an entity.
type Key struct {
	Tenant string
	Type   string
	ID     string
}

func (k Key) String() string { return k.Tenant + "/" + k.Type + "/" + k.ID }

func (k Key) IsZero() bool { return k.Type == "" && k.ID == "" }

// Record is the stored form of an entity. Data is opaque to the engine.
type Record struct {
	Key       Key
	Version   uint64
	Data      []byte
	Tags      []string
	Deleted   bool
	UpdatedAt time.Time
}

// Predicate is the closed set of scan filters supported by every engine.
// Empty fields match everything.
type Predicate struct {
	Tenant   string
	Type     string
	IDPrefix string
	Tag      string
	Limit    int // 0 = unlimited
}

// Match reports whether r satisfies p. Engines that cannot push a filter down
// use it to post-filter rows.
func (p Predicate) Match(r Record) bool {
	if r.Deleted {
		return false
	}
	if p.Tenant != "" && r.Key.Tenant != p.Tenant {
		return false
	}
	if p.Type != "" && r.Key.Type != p.Type {
		return false
	}
	if p.IDPrefix != "" && !strings.HasPrefix(r.Key.ID, p.IDPrefix) {
		return false
	}
	if p.Tag != "" {
		found := false
		for _, t := range r.Tags {
			if t == p.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Engine is an authoritative store.
type Engine interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is exclusively owned by one caller until Commit or Rollback.
type Tx interface {
	// Get returns the latest record visible to this transaction, including
	// tombstones. ErrNotFound if the key has never been written.
	Get(ctx context.Context, key Key) (Record, error)
	// Scan returns live records matching p, ordered by key.
	Scan(ctx context.Context, p Predicate) ([]Record, error)
	// Put stores r if the current version equals expect (0 = absent).
	Put(ctx context.Context, r Record, expect uint64) error
	// Delete writes a tombstone at version if the current version equals expect.
	Delete(ctx context.Context, key Key, version, expect uint64) error
	Commit(ctx context.Context) error
	// Rollback is a no-op on a finished transaction.
	Rollback(ctx context.Context) error
}

// Less orders keys by tenant, type, then id.
func Less(a, b Key) bool {
	if a.Tenant != b.Tenant {
		return a.Tenant < b.Tenant
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.ID < b.ID
}
