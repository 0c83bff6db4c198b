// Package memstore is an in-process authoritative store with optimistic,
// version-checked commits. Useful for tests and single-process deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/cascore/store"
)

// CommitHook runs under the commit lock before writes are validated.
// A non-nil error aborts the commit and nothing is applied.
type CommitHook func(ctx context.Context, keys []store.Key) error

type Store struct {
	mu   sync.RWMutex
	rows map[store.Key]store.Record
	hook CommitHook
	now  func() time.Time
}

var _ store.Engine = (*Store)(nil)

type Option func(*Store)

func WithCommitHook(h CommitHook) Option { return func(s *Store) { s.hook = h } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(opts ...Option) *Store {
	s := &Store{rows: make(map[store.Key]store.Record), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetCommitHook swaps the hook at runtime (nil clears it).
func (s *Store) SetCommitHook(h CommitHook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{s: s, writes: make(map[store.Key]*write)}, nil
}

func (s *Store) Close() error { return nil }

// Len returns the number of live (non-tombstone) records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.rows {
		if !r.Deleted {
			n++
		}
	}
	return n
}

type write struct {
	rec  store.Record
	base uint64 // committed version this tx expects to replace
}

type tx struct {
	s      *Store
	mu     sync.Mutex
	writes map[store.Key]*write
	order  []store.Key
	done   bool
}

func (t *tx) visible(key store.Key) (store.Record, bool) {
	if w, ok := t.writes[key]; ok {
		return w.rec, true
	}
	t.s.mu.RLock()
	r, ok := t.s.rows[key]
	t.s.mu.RUnlock()
	return r, ok
}

func (t *tx) Get(ctx context.Context, key store.Key) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.Record{}, store.ErrTxDone
	}
	r, ok := t.visible(key)
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return clone(r), nil
}

func (t *tx) Scan(ctx context.Context, p store.Predicate) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, store.ErrTxDone
	}

	merged := make(map[store.Key]store.Record)
	t.s.mu.RLock()
	for k, r := range t.s.rows {
		merged[k] = r
	}
	t.s.mu.RUnlock()
	for k, w := range t.writes {
		merged[k] = w.rec
	}

	out := make([]store.Record, 0)
	for _, r := range merged {
		if p.Match(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return store.Less(out[i].Key, out[j].Key) })
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (t *tx) stage(ctx context.Context, r store.Record, expect uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	cur, ok := t.visible(r.Key)
	var curVersion uint64
	if ok {
		curVersion = cur.Version
	}
	if curVersion != expect {
		return store.ErrConflict
	}
	r.UpdatedAt = t.s.now()
	if w, ok := t.writes[r.Key]; ok {
		w.rec = clone(r)
		return nil
	}
	t.writes[r.Key] = &write{rec: clone(r), base: expect}
	t.order = append(t.order, r.Key)
	return nil
}

func (t *tx) Put(ctx context.Context, r store.Record, expect uint64) error {
	r.Deleted = false
	return t.stage(ctx, r, expect)
}

func (t *tx) Delete(ctx context.Context, key store.Key, version, expect uint64) error {
	return t.stage(ctx, store.Record{Key: key, Version: version, Deleted: true}, expect)
}

func (t *tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	t.done = true

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hook != nil {
		if err := s.hook(ctx, append([]store.Key(nil), t.order...)); err != nil {
			return err
		}
	}
	for _, k := range t.order {
		w := t.writes[k]
		var cur uint64
		if r, ok := s.rows[k]; ok {
			cur = r.Version
		}
		if cur != w.base {
			return store.ErrConflict
		}
	}
	for _, k := range t.order {
		s.rows[k] = t.writes[k].rec
	}
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.writes = nil
	t.order = nil
	return nil
}

func clone(r store.Record) store.Record {
	if r.Data != nil {
		r.Data = append([]byte(nil), r.Data...)
	}
	if r.Tags != nil {
		r.Tags = append([]string(nil), r.Tags...)
	}
	return r
}
