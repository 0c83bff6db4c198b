package cascore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/unkn0wn-root/cascore/store"
)

type State int32

const (
	StateIdle State = iota
	StateActive
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRollingBack:
		return "rolling_back"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) Terminal() bool { return s == StateCommitted || s == StateRolledBack }

type stageOp uint8

const (
	stageCreate stageOp = iota + 1
	stageUpdate
	stageDelete
)

// pendingWrite is the net effect of every write to one entity in a scope.
// However many writes hit it, the entity moves exactly one version.
type pendingWrite struct {
	rec    store.Record
	expect uint64 // committed version when first touched; 0 if no row
}

// Scope is one unit of work. Its store transaction is exclusively owned and
// its methods serialize on an internal mutex.
type Scope struct {
	id string
	c  *Coordinator
	h  *Handle

	mu        sync.Mutex
	state     State
	tx        store.Tx
	writes    map[store.Key]*pendingWrite
	order     []store.Key
	cause     error
	began     time.Time
	stopWatch func() bool
}

func (s *Scope) ID() string { return s.id }

func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scope) closedErr() error {
	if s.cause != nil {
		return fmt.Errorf("%w: %w", ErrScopeClosed, s.cause)
	}
	return ErrScopeClosed
}

// lockActive takes the mutex and checks the scope is still open.
// On error the mutex is released.
func (s *Scope) lockActive() error {
	s.mu.Lock()
	if s.state != StateActive {
		err := s.closedErr()
		s.mu.Unlock()
		return err
	}
	return nil
}

// get returns the scope's view of key: its own pending write if any,
// otherwise committed state.
func (s *Scope) get(ctx context.Context, key store.Key) (store.Record, bool, error) {
	if err := s.lockActive(); err != nil {
		return store.Record{}, false, err
	}
	defer s.mu.Unlock()

	if w, ok := s.writes[key]; ok {
		if w.rec.Deleted {
			return store.Record{}, false, nil
		}
		return cloneRecord(w.rec), true, nil
	}
	r, err := s.tx.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) || (err == nil && r.Deleted) {
		return store.Record{}, false, nil
	}
	if err != nil {
		return store.Record{}, false, err
	}
	return r, true, nil
}

func (s *Scope) scan(ctx context.Context, p store.Predicate) ([]store.Record, error) {
	if err := s.lockActive(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var overlay []*pendingWrite
	for _, k := range s.order {
		if k.Tenant == p.Tenant && k.Type == p.Type {
			overlay = append(overlay, s.writes[k])
		}
	}
	if len(overlay) == 0 {
		return s.tx.Scan(ctx, p)
	}
	limit := p.Limit
	p.Limit = 0
	rs, err := s.tx.Scan(ctx, p)
	if err != nil {
		return nil, err
	}
	byKey := make(map[store.Key]int, len(rs))
	for i, r := range rs {
		byKey[r.Key] = i
	}
	drop := make(map[int]bool)
	for _, w := range overlay {
		i, seen := byKey[w.rec.Key]
		match := p.Match(w.rec)
		switch {
		case seen && match:
			rs[i] = cloneRecord(w.rec)
		case seen:
			drop[i] = true
		case match:
			rs = append(rs, cloneRecord(w.rec))
		}
	}
	out := rs[:0]
	for i, r := range rs {
		if !drop[i] {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b store.Record) int {
		switch {
		case store.Less(a.Key, b.Key):
			return -1
		case store.Less(b.Key, a.Key):
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// stage records a write. The first touch of a key reads its committed row
// (tombstones included) to learn the version to expect at commit.
func (s *Scope) stage(ctx context.Context, key store.Key, op stageOp, data []byte, tags []string) (store.Record, error) {
	if err := s.lockActive(); err != nil {
		return store.Record{}, err
	}
	defer s.mu.Unlock()

	w, ok := s.writes[key]
	if !ok {
		cur, err := s.tx.Get(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			w = &pendingWrite{rec: store.Record{Key: key, Version: 1, Deleted: true}}
		case err != nil:
			return store.Record{}, err
		default:
			w = &pendingWrite{rec: cur, expect: cur.Version}
			w.rec.Version = cur.Version + 1
		}
	}

	// a fresh pendingWrite is only kept once the op below succeeds
	live := !w.rec.Deleted
	switch op {
	case stageCreate:
		if live {
			return store.Record{}, fmt.Errorf("%w: %s", ErrEntityExists, key)
		}
		w.rec.Data = slices.Clone(data)
		w.rec.Tags = slices.Clone(tags)
		w.rec.Deleted = false
	case stageUpdate:
		if !live {
			return store.Record{}, &NotFoundError{Key: key}
		}
		w.rec.Data = slices.Clone(data)
		if tags != nil {
			w.rec.Tags = slices.Clone(tags)
		}
	case stageDelete:
		if !live {
			return store.Record{}, &NotFoundError{Key: key}
		}
		w.rec.Data = nil
		w.rec.Deleted = true
	}
	w.rec.UpdatedAt = s.c.now()
	if !ok {
		s.writes[key] = w
		s.order = append(s.order, key)
	}
	return cloneRecord(w.rec), nil
}

// Commit applies every pending write in mutation order and commits the store
// transaction. Caller cancellation is ignored from here on: the outcome is
// either fully committed or fully rolled back. A failure returns *ConflictError.
func (s *Scope) Commit(ctx context.Context) error {
	if err := s.lockActive(); err != nil {
		return err
	}
	s.state = StateCommitting
	if s.stopWatch != nil {
		s.stopWatch()
	}
	ctx = context.WithoutCancel(ctx)
	n := len(s.order)

	events, err := s.flush(ctx)
	if err != nil {
		s.state = StateRollingBack
		if rbErr := s.tx.Rollback(ctx); rbErr != nil {
			s.c.log.Warn("rollback after failed commit", Fields{"tx": s.id, "err": rbErr})
		}
		s.state = StateRolledBack
		s.release()
		s.mu.Unlock()

		cerr := &ConflictError{TxID: s.id, Err: err}
		s.c.conflicts.Add(1)
		s.c.hooks.TransactionConflict(s.id, err)
		s.c.log.Warn("commit failed, rolled back", Fields{"tx": s.id, "writes": n, "err": err})
		return cerr
	}
	s.state = StateCommitted
	s.release()
	s.mu.Unlock()

	s.c.committed.Add(1)
	s.c.log.Debug("scope committed", Fields{"tx": s.id, "writes": n, "took": s.c.now().Sub(s.began)})
	s.c.publish(ctx, s, events)
	return nil
}

func (s *Scope) flush(ctx context.Context) ([]ChangeEvent, error) {
	events := make([]ChangeEvent, 0, len(s.order))
	at := s.c.now()
	for _, key := range s.order {
		w := s.writes[key]
		var err error
		if w.rec.Deleted {
			err = s.tx.Delete(ctx, key, w.rec.Version, w.expect)
		} else {
			err = s.tx.Put(ctx, w.rec, w.expect)
		}
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", key, err)
		}
		e := ChangeEvent{
			Key:        key,
			Op:         OpUpsert,
			Version:    w.rec.Version,
			Tags:       slices.Clone(w.rec.Tags),
			OccurredAt: at,
			TxID:       s.id,
			Data:       slices.Clone(w.rec.Data),
		}
		if w.rec.Deleted {
			e.Op = OpDelete
			e.Data = nil
		}
		events = append(events, e)
	}
	if err := s.tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

// Rollback discards pending writes. It is a no-op on a finished scope.
func (s *Scope) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked(context.WithoutCancel(ctx), nil)
}

func (s *Scope) abort(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.c.log.Info("scope context done, rolling back", Fields{"tx": s.id, "cause": cause})
	_ = s.rollbackLocked(context.Background(), cause)
}

func (s *Scope) rollbackLocked(ctx context.Context, cause error) error {
	if s.state != StateActive {
		return nil
	}
	s.state = StateRollingBack
	if s.stopWatch != nil {
		s.stopWatch()
	}
	err := s.tx.Rollback(ctx)
	s.state = StateRolledBack
	s.cause = cause
	s.writes, s.order = nil, nil
	s.release()
	if err != nil {
		return fmt.Errorf("cascore: rollback: %w", err)
	}
	return nil
}

func (s *Scope) release() {
	s.h.active.CompareAndSwap(s, nil)
}

func cloneRecord(r store.Record) store.Record {
	r.Data = slices.Clone(r.Data)
	r.Tags = slices.Clone(r.Tags)
	return r
}
