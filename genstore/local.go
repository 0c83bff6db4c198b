package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/cascore/internal/shard"
)

type localGen struct {
	gen     uint64
	touched time.Time
}

// LocalGenStore keeps generations in a sharded in-process map.
// An optional loop prunes entries that have not been bumped within retention.
//
// Pruning resets a key to 0. That is safe only when no cached frame can
// outlive retention, so keep retention above the longest cache TTL.
type LocalGenStore struct {
	gens *shard.Map[localGen]
	now  func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore(cleanupInterval, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{
		gens: shard.New[localGen](shard.DefaultShards),
		now:  time.Now,
		stop: make(chan struct{}),
	}
	if cleanupInterval > 0 && retention > 0 {
		t := time.NewTicker(cleanupInterval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer t.Stop()
			for {
				select {
				case <-t.C:
					s.Cleanup(retention)
				case <-s.stop:
					return
				}
			}
		}()
	}
	return s
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	e, _ := s.gens.Get(k)
	return e.gen, nil
}

func (s *LocalGenStore) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	for _, k := range ks {
		e, _ := s.gens.Get(k)
		out[k] = e.gen
	}
	return out, nil
}

func (s *LocalGenStore) Bump(_ context.Context, k string) (uint64, error) {
	now := s.now()
	e := s.gens.Update(k, func(cur localGen, _ bool) (localGen, bool) {
		cur.gen++
		cur.touched = now
		return cur, true
	})
	return e.gen, nil
}

func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.now().Add(-retention)
	s.gens.DeleteFunc(func(_ string, e localGen) bool {
		return e.touched.Before(cutoff)
	})
}

func (s *LocalGenStore) Close(context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}
