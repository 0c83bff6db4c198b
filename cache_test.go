package cascore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/unkn0wn-root/cascore/codec"
	"github.com/unkn0wn-root/cascore/store"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newTestCache(t *testing.T, mp *memProvider, optsOpt func(*CacheOptions[user])) *cache[user] {
	t.Helper()
	opts := CacheOptions[user]{
		Namespace: "user",
		Provider:  mp,
		Codec:     c.JSON[user]{},
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(context.Background()) })
	impl, ok := cc.(*cache[user])
	if !ok {
		t.Fatalf("unexpected concrete type for Cache")
	}
	return impl
}

func loaderOf(v user, version uint64, tags ...string) (Loader[user], *atomic.Int64) {
	var n atomic.Int64
	return func(context.Context) (Loaded[user], error) {
		n.Add(1)
		return Loaded[user]{Value: v, Version: version, Tags: tags}, nil
	}, &n
}

func TestNewCacheRequiresOptions(t *testing.T) {
	if _, err := NewCache(CacheOptions[user]{Codec: c.JSON[user]{}, Namespace: "x"}); err == nil {
		t.Fatalf("expected error without provider")
	}
	if _, err := NewCache(CacheOptions[user]{Provider: newMemProvider(), Namespace: "x"}); err == nil {
		t.Fatalf("expected error without codec")
	}
	if _, err := NewCache(CacheOptions[user]{Provider: newMemProvider(), Codec: c.JSON[user]{}}); err == nil {
		t.Fatalf("expected error without namespace")
	}
}

func TestGetLoadsOnceThenHits(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemProvider(), nil)
	load, n := loaderOf(user{ID: "1", Name: "Ada"}, 1)

	for i := 0; i < 3; i++ {
		got, err := cc.Get(ctx, "u:1", load)
		if err != nil || got.Name != "Ada" {
			t.Fatalf("Get #%d: got=%v err=%v", i, got, err)
		}
	}
	if n.Load() != 1 {
		t.Fatalf("loader ran %d times, want 1", n.Load())
	}
	s := cc.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Loads != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestGetStampedeSharesOneLoad(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemProvider(), nil)

	var loads atomic.Int64
	load := func(context.Context) (Loaded[user], error) {
		loads.Add(1)
		time.Sleep(100 * time.Millisecond)
		return Loaded[user]{Value: user{ID: "P1", Name: "Acme"}, Version: 1}, nil
	}

	const callers = 50
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err := cc.Get(ctx, "P1", load)
			if err == nil && v.Name != "Acme" {
				err = errors.New("wrong value " + v.Name)
			}
			errs <- err
		}()
	}
	began := time.Now()
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if loads.Load() != 1 {
		t.Fatalf("loads = %d, want 1", loads.Load())
	}
	if took := time.Since(began); took > time.Second {
		t.Fatalf("stampede took %s", took)
	}
}

func TestLoaderErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemProvider(), nil)
	boom := errors.New("boom")
	calls := 0
	load := func(context.Context) (Loaded[user], error) {
		calls++
		if calls == 1 {
			return Loaded[user]{}, boom
		}
		return Loaded[user]{Value: user{Name: "ok"}, Version: 1}, nil
	}
	if _, err := cc.Get(ctx, "k", load); !errors.Is(err, boom) {
		t.Fatalf("first Get err = %v", err)
	}
	if v, err := cc.Get(ctx, "k", load); err != nil || v.Name != "ok" {
		t.Fatalf("second Get = %v, %v", v, err)
	}
}

func TestFailOpenFallsBackToLoader(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := newRecHooks()
	cc := newTestCache(t, mp, func(o *CacheOptions[user]) { o.Hooks = hooks })
	mp.fail.Store(true)

	load, n := loaderOf(user{Name: "Ada"}, 1)
	for i := 0; i < 2; i++ {
		v, err := cc.Get(ctx, "u:1", load)
		if err != nil || v.Name != "Ada" {
			t.Fatalf("Get = %v, %v", v, err)
		}
	}
	if n.Load() != 2 {
		t.Fatalf("loader ran %d times during outage, want 2", n.Load())
	}
	if s := cc.Stats(); s.FailOpen != 2 || s.ProviderErrors != 2 {
		t.Fatalf("stats = %+v", s)
	}
	if hooks.count("unavailable:get") != 2 {
		t.Fatalf("CacheUnavailable hook not called")
	}
}

func TestFailClosedSurfacesError(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, func(o *CacheOptions[user]) { o.FailClosed = true })
	mp.fail.Store(true)

	load, n := loaderOf(user{Name: "Ada"}, 1)
	_, err := cc.Get(ctx, "u:1", load)
	var cu *CacheUnavailableError
	if !errors.As(err, &cu) || !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("err = %v, want CacheUnavailableError", err)
	}
	if cu.Op != "get" || cu.Key != "u:1" {
		t.Fatalf("error = %+v", cu)
	}
	if n.Load() != 0 {
		t.Fatalf("loader should not run when failing closed")
	}
	if err := cc.Put(ctx, "u:1", user{}, 1, nil, 0); !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("Put err = %v", err)
	}
}

func TestInvalidationDuringLoadDiscardsWriteBack(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := newRecHooks()
	cc := newTestCache(t, mp, func(o *CacheOptions[user]) { o.Hooks = hooks })

	load := func(ctx context.Context) (Loaded[user], error) {
		// a commit lands while the old row is being read
		if err := cc.InvalidateVersion(ctx, "u:1", 2); err != nil {
			t.Errorf("InvalidateVersion: %v", err)
		}
		return Loaded[user]{Value: user{Name: "old"}, Version: 1}, nil
	}
	v, err := cc.Get(ctx, "u:1", load)
	if err != nil || v.Name != "old" {
		t.Fatalf("Get = %v, %v", v, err)
	}
	if _, ok, _ := cc.Peek(ctx, "u:1"); ok {
		t.Fatalf("stale value was written back")
	}
	if cc.Stats().StaleDiscards != 1 || hooks.count("stale:version_floor") != 1 {
		t.Fatalf("stale discard not recorded: %+v", cc.Stats())
	}
}

func TestGenBumpDuringLoadDiscardsWriteBack(t *testing.T) {
	ctx := context.Background()
	hooks := newRecHooks()
	cc := newTestCache(t, newMemProvider(), func(o *CacheOptions[user]) { o.Hooks = hooks })

	load := func(ctx context.Context) (Loaded[user], error) {
		_ = cc.Invalidate(ctx, "u:1")
		return Loaded[user]{Value: user{Name: "old"}, Version: 1}, nil
	}
	if _, err := cc.Get(ctx, "u:1", load); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cc.Peek(ctx, "u:1"); ok {
		t.Fatalf("stale value was written back")
	}
	if hooks.count("stale:gen_changed") != 1 {
		t.Fatalf("expected gen_changed discard")
	}
}

func TestTagInvalidationDuringLoadDiscardsWriteBack(t *testing.T) {
	ctx := context.Background()
	hooks := newRecHooks()
	cc := newTestCache(t, newMemProvider(), func(o *CacheOptions[user]) { o.Hooks = hooks })

	load := func(ctx context.Context) (Loaded[user], error) {
		_ = cc.InvalidateByTag(ctx, "team:a")
		return Loaded[user]{Value: user{Name: "old"}, Version: 1, Tags: []string{"team:a"}}, nil
	}
	if _, err := cc.Get(ctx, "u:1", load); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cc.Peek(ctx, "u:1"); ok {
		t.Fatalf("stale value was written back")
	}
	if hooks.count("stale:tag_changed") != 1 {
		t.Fatalf("expected tag_changed discard")
	}
}

func TestInvalidateByTag(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)

	must(t, cc.Put(ctx, "a", user{Name: "a"}, 1, []string{"team"}, 0))
	must(t, cc.Put(ctx, "b", user{Name: "b"}, 1, []string{"team", "x"}, 0))
	must(t, cc.Put(ctx, "c", user{Name: "c"}, 1, []string{"other"}, 0))

	must(t, cc.InvalidateByTag(ctx, "team"))

	for _, k := range []string{"a", "b"} {
		if _, ok, _ := cc.Peek(ctx, k); ok {
			t.Fatalf("%s should be invalidated", k)
		}
		if mp.has(cc.entryKey(k)) {
			t.Fatalf("%s should be deleted from the provider", k)
		}
	}
	if v, ok, _ := cc.Peek(ctx, "c"); !ok || v.Name != "c" {
		t.Fatalf("c should survive")
	}
}

func TestTagGenMismatchSelfHeals(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := newRecHooks()
	cc := newTestCache(t, mp, func(o *CacheOptions[user]) { o.Hooks = hooks })

	must(t, cc.Put(ctx, "a", user{Name: "a"}, 1, []string{"team"}, 0))
	// another process bumped the tag; this process never indexed the member
	if _, err := cc.gen.Bump(ctx, cc.tagKey("team")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cc.Peek(ctx, "a"); ok {
		t.Fatalf("entry with stale tag gen served")
	}
	if hooks.count("heal:tag_mismatch") != 1 || mp.has(cc.entryKey("a")) {
		t.Fatalf("entry not healed")
	}
}

func TestVersionFloorRejectsOlderPut(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemProvider(), nil)

	must(t, cc.InvalidateVersion(ctx, "k", 5))
	must(t, cc.Put(ctx, "k", user{Name: "v4"}, 4, nil, 0))
	if _, ok, _ := cc.Peek(ctx, "k"); ok {
		t.Fatalf("version below floor cached")
	}
	must(t, cc.Put(ctx, "k", user{Name: "v5"}, 5, nil, 0))
	if v, ok, _ := cc.Peek(ctx, "k"); !ok || v.Name != "v5" {
		t.Fatalf("version at floor should be cached, got %v %v", v, ok)
	}
	// a lower floor never lowers the existing one
	must(t, cc.InvalidateVersion(ctx, "k", 2))
	must(t, cc.Put(ctx, "k", user{Name: "v3"}, 3, nil, 0))
	if _, ok, _ := cc.Peek(ctx, "k"); ok {
		t.Fatalf("floor went backwards")
	}
}

func TestCorruptEntrySelfHeals(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := newRecHooks()
	cc := newTestCache(t, mp, func(o *CacheOptions[user]) { o.Hooks = hooks })
	mp.put(cc.entryKey("k"), []byte("garbage"))

	load, n := loaderOf(user{Name: "fresh"}, 1)
	v, err := cc.Get(ctx, "k", load)
	if err != nil || v.Name != "fresh" || n.Load() != 1 {
		t.Fatalf("Get = %v, %v (loads %d)", v, err, n.Load())
	}
	if hooks.count("heal:corrupt") != 1 {
		t.Fatalf("corrupt entry not reported")
	}
	if v, ok, _ := cc.Peek(ctx, "k"); !ok || v.Name != "fresh" {
		t.Fatalf("healed entry not rewritten")
	}
}

func TestExpiredEntryIsNotServed(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hooks := newRecHooks()
	cc := newTestCache(t, newMemProvider(), func(o *CacheOptions[user]) {
		o.Now = clk.Now
		o.Hooks = hooks
	})

	must(t, cc.Put(ctx, "k", user{Name: "a"}, 1, nil, time.Minute))
	if _, ok, _ := cc.Peek(ctx, "k"); !ok {
		t.Fatalf("fresh entry missing")
	}
	clk.Advance(2 * time.Minute)
	if _, ok, _ := cc.Peek(ctx, "k"); ok {
		t.Fatalf("expired entry served")
	}
	if hooks.count("heal:expired") != 1 {
		t.Fatalf("expiry not reported")
	}
}

func TestSweepPrunesFloorsAndTagMembers(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	cc := newTestCache(t, newMemProvider(), func(o *CacheOptions[user]) {
		o.Now = clk.Now
		o.CleanupInterval = -1
		o.GenRetention = time.Hour
	})

	must(t, cc.Put(ctx, "a", user{Name: "a"}, 1, []string{"team"}, time.Minute))
	must(t, cc.Put(ctx, "b", user{Name: "b"}, 1, []string{"team"}, 90*time.Minute))
	must(t, cc.InvalidateVersion(ctx, "c", 5))

	if f, m := cc.sweep(); f != 0 || m != 0 {
		t.Fatalf("fresh sweep removed floors=%d members=%d", f, m)
	}
	clk.Advance(2 * time.Minute)
	if f, m := cc.sweep(); f != 0 || m != 1 {
		t.Fatalf("after entry expiry: floors=%d members=%d", f, m)
	}
	set, ok := cc.tagIndex.Get("team")
	if _, stillA := set[cc.entryKey("a")]; !ok || stillA || len(set) != 1 {
		t.Fatalf("team members = %v", set)
	}
	if cc.floorOf(cc.entryKey("c")) != 5 {
		t.Fatalf("floor pruned before retention")
	}

	clk.Advance(2 * time.Hour)
	if f, m := cc.sweep(); f != 1 || m != 1 {
		t.Fatalf("after retention: floors=%d members=%d", f, m)
	}
	if cc.floors.Len() != 0 || cc.tagIndex.Len() != 0 {
		t.Fatalf("floors=%d tags=%d left", cc.floors.Len(), cc.tagIndex.Len())
	}
}

func TestSelfHealDropsTagMembership(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	cc := newTestCache(t, newMemProvider(), func(o *CacheOptions[user]) {
		o.Now = clk.Now
		o.CleanupInterval = -1
	})

	must(t, cc.Put(ctx, "a", user{Name: "a"}, 1, []string{"team", "x"}, time.Minute))
	if cc.tagIndex.Len() != 2 {
		t.Fatalf("tag index = %d, want 2", cc.tagIndex.Len())
	}
	clk.Advance(2 * time.Minute)
	if _, ok, _ := cc.Peek(ctx, "a"); ok {
		t.Fatalf("expired entry served")
	}
	if cc.tagIndex.Len() != 0 {
		t.Fatalf("tag index still holds %d tags after self-heal", cc.tagIndex.Len())
	}
}

func TestNegativeTTLSkipsCaching(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	load := func(context.Context) (Loaded[user], error) {
		return Loaded[user]{Value: user{Name: "x"}, Version: 1, TTL: -1}, nil
	}
	if _, err := cc.Get(ctx, "k", load); err != nil {
		t.Fatal(err)
	}
	if mp.sets.Load() != 0 {
		t.Fatalf("negative TTL was cached")
	}
}

func TestCanceledLeaderDoesNotFailWaiters(t *testing.T) {
	cc := newTestCache(t, newMemProvider(), nil)

	started := make(chan struct{})
	var calls atomic.Int64
	load := func(ctx context.Context) (Loaded[user], error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return Loaded[user]{}, ctx.Err()
		}
		return Loaded[user]{Value: user{Name: "ok"}, Version: 1}, nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := cc.Get(leaderCtx, "k", load)
		leaderErr <- err
	}()
	<-started

	waiter := make(chan error, 1)
	go func() {
		v, err := cc.Get(context.Background(), "k", load)
		if err == nil && v.Name != "ok" {
			err = errors.New("wrong value")
		}
		waiter <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v", err)
	}
	select {
	case err := <-waiter:
		if err != nil {
			t.Fatalf("waiter err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter stuck")
	}
}

func TestDisabledCacheAlwaysLoads(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, func(o *CacheOptions[user]) { o.Disabled = true })
	load, n := loaderOf(user{Name: "x"}, 1)
	for i := 0; i < 3; i++ {
		if _, err := cc.Get(ctx, "k", load); err != nil {
			t.Fatal(err)
		}
	}
	if n.Load() != 3 || mp.sets.Load() != 0 || cc.Enabled() {
		t.Fatalf("disabled cache used the provider")
	}
}

func TestInvalidateBothFail(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := newTestCache(t, mp, func(o *CacheOptions[user]) { o.GenStore = failingGens{} })
	mp.fail.Store(true)

	err := cc.Invalidate(ctx, "k")
	var ie *InvalidateError
	if !errors.As(err, &ie) || !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, errDown) {
		t.Fatalf("delete error not wrapped")
	}
}

type failingGens struct{}

var errGens = errors.New("gens down")

func (failingGens) Snapshot(context.Context, string) (uint64, error) { return 0, errGens }
func (failingGens) SnapshotMany(context.Context, []string) (map[string]uint64, error) {
	return nil, errGens
}
func (failingGens) Bump(context.Context, string) (uint64, error) { return 0, errGens }
func (failingGens) Cleanup(time.Duration)                        {}
func (failingGens) Close(context.Context) error                  { return nil }

func TestAttachInvalidatesOnCommit(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemProvider(), nil)
	bus := NewBus(BusOptions{})
	defer bus.Close(ctx)

	sub, err := cc.Attach(bus, Pattern{Tenant: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Name() != "cache:user" {
		t.Fatalf("subscriber name = %q", sub.Name())
	}

	key := store.Key{Tenant: "acme", Type: "user", ID: "1"}
	must(t, cc.Put(ctx, key.String(), user{Name: "v1"}, 1, []string{"team"}, 0))
	must(t, cc.Put(ctx, "other", user{Name: "o"}, 1, []string{"team"}, 0))

	must(t, bus.Publish(ctx, ChangeEvent{Key: key, Op: OpUpsert, Version: 2, Tags: []string{"team"}}))

	if _, ok, _ := cc.Peek(ctx, key.String()); ok {
		t.Fatalf("committed key still cached")
	}
	if _, ok, _ := cc.Peek(ctx, "other"); ok {
		t.Fatalf("tag sibling still cached")
	}
	// a late write-back of v1 is rejected by the floor
	must(t, cc.Put(ctx, key.String(), user{Name: "v1"}, 1, nil, 0))
	if _, ok, _ := cc.Peek(ctx, key.String()); ok {
		t.Fatalf("old version accepted after event")
	}
}

func TestCBORCodecEntries(t *testing.T) {
	ctx := context.Background()
	cb, err := c.NewCBOR[user](true)
	if err != nil {
		t.Fatal(err)
	}
	cc := newTestCache(t, newMemProvider(), func(o *CacheOptions[user]) { o.Codec = cb })
	must(t, cc.Put(ctx, "k", user{ID: "1", Name: "Ada"}, 1, nil, 0))
	if v, ok, err := cc.Peek(ctx, "k"); err != nil || !ok || v.Name != "Ada" {
		t.Fatalf("Peek = %v %v %v", v, ok, err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
