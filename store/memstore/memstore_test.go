package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/cascore/store"
)

var p1 = store.Key{Tenant: "t1", Type: "project", ID: "p1"}

func commitPut(t *testing.T, s *Store, r store.Record, expect uint64) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, r, expect))
	require.NoError(t, tx.Commit(ctx))
}

func TestReadYourWritesIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	a, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, store.Record{Key: p1, Version: 1, Data: []byte("acme")}, 0))

	got, err := a.Get(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, []byte("acme"), got.Data)

	b, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = b.Get(ctx, p1)
	assert.ErrorIs(t, err, store.ErrNotFound, "uncommitted write must be invisible")

	require.NoError(t, a.Commit(ctx))
	got, err = b.Get(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
}

func TestCommitDetectsWriteWriteConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	commitPut(t, s, store.Record{Key: p1, Version: 1}, 0)

	a, _ := s.Begin(ctx)
	b, _ := s.Begin(ctx)
	require.NoError(t, a.Put(ctx, store.Record{Key: p1, Version: 2, Data: []byte("a")}, 1))
	require.NoError(t, b.Put(ctx, store.Record{Key: p1, Version: 2, Data: []byte("b")}, 1))

	require.NoError(t, a.Commit(ctx))
	assert.ErrorIs(t, b.Commit(ctx), store.ErrConflict)

	r, _ := s.Begin(ctx)
	got, err := r.Get(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Data)
}

func TestStageRejectsWrongExpect(t *testing.T) {
	ctx := context.Background()
	s := New()
	commitPut(t, s, store.Record{Key: p1, Version: 1}, 0)

	tx, _ := s.Begin(ctx)
	assert.ErrorIs(t, tx.Put(ctx, store.Record{Key: p1, Version: 1}, 0), store.ErrConflict)
}

func TestCommitHookAbortsAtomically(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")
	s := New()
	p2 := store.Key{Tenant: "t1", Type: "project", ID: "p2"}

	s.SetCommitHook(func(context.Context, []store.Key) error { return boom })
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Put(ctx, store.Record{Key: p1, Version: 1}, 0))
	require.NoError(t, tx.Put(ctx, store.Record{Key: p2, Version: 1}, 0))
	assert.ErrorIs(t, tx.Commit(ctx), boom)
	assert.Equal(t, 0, s.Len())
}

func TestTombstoneKeepsVersionAndHidesFromScan(t *testing.T) {
	ctx := context.Background()
	s := New()
	commitPut(t, s, store.Record{Key: p1, Version: 1, Tags: []string{"x"}}, 0)

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Delete(ctx, p1, 2, 1))
	require.NoError(t, tx.Commit(ctx))

	r, _ := s.Begin(ctx)
	got, err := r.Get(ctx, p1)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, uint64(2), got.Version)

	rows, err := r.Scan(ctx, store.Predicate{Tenant: "t1"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestScanFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"c", "a", "b"} {
		commitPut(t, s, store.Record{Key: store.Key{Tenant: "t1", Type: "project", ID: id}, Version: 1, Tags: []string{"org:1"}}, 0)
	}
	commitPut(t, s, store.Record{Key: store.Key{Tenant: "t2", Type: "project", ID: "z"}, Version: 1}, 0)

	tx, _ := s.Begin(ctx)
	rows, err := tx.Scan(ctx, store.Predicate{Tenant: "t1", Tag: "org:1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].Key.ID)
	assert.Equal(t, "b", rows[1].Key.ID)
}

func TestFinishedTxRejectsUse(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))
	_, err := tx.Get(ctx, p1)
	assert.ErrorIs(t, err, store.ErrTxDone)
	assert.ErrorIs(t, tx.Commit(ctx), store.ErrTxDone)
}
