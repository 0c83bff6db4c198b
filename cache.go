package cascore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	c "github.com/unkn0wn-root/cascore/codec"
	"github.com/unkn0wn-root/cascore/genstore"
	"github.com/unkn0wn-root/cascore/internal/shard"
	"github.com/unkn0wn-root/cascore/internal/wire"
	pr "github.com/unkn0wn-root/cascore/provider"
)

const (
	defaultTTL          = 10 * time.Minute
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// Loaded is what a Loader returns: the value plus the metadata the cache
// needs to keep it coherent.
type Loaded[V any] struct {
	Value   V
	Version uint64
	Tags    []string
	// TTL overrides the cache default. Negative means do not cache.
	TTL time.Duration
}

// Loader fetches a value from the source of truth on a miss.
type Loader[V any] func(ctx context.Context) (Loaded[V], error)

// SetCostFunc computes the admission cost passed to the provider.
type SetCostFunc func(storageKey string, frame []byte) int64

type CacheOptions[V any] struct {
	// Namespace isolates keys of this cache from other caches on the same provider.
	Namespace string
	Provider  pr.Provider
	Codec     c.Codec[V]
	// GenStore defaults to an in-process store owned (and closed) by the cache.
	GenStore genstore.GenStore
	Logger   Logger
	Hooks    Hooks

	DefaultTTL time.Duration
	// FailClosed surfaces provider outages as *CacheUnavailableError instead
	// of falling back to the loader.
	FailClosed bool
	// Disabled turns every Get into a direct load and everything else into a no-op.
	Disabled       bool
	ComputeSetCost SetCostFunc

	// CleanupInterval paces pruning of version floors and tag membership,
	// and of generations when the default GenStore is used. Negative disables it.
	CleanupInterval time.Duration
	// GenRetention is how long an untouched version floor or generation is kept.
	GenRetention time.Duration

	Now func() time.Time
}

// Cache is a read-through, write-through entity cache guarded by per-key and
// per-tag generations. Keys are caller-chosen strings; Attach and
// CachedReader use store.Key.String().
type Cache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Get serves a validated entry or runs load, at most once per key at a
	// time across concurrent callers.
	Get(ctx context.Context, key string, load Loader[V]) (V, error)
	// Peek reads without loading. It never falls back; provider errors are returned.
	Peek(ctx context.Context, key string) (V, bool, error)
	// Put writes through. Versions below the key's floor are ignored.
	Put(ctx context.Context, key string, value V, version uint64, tags []string, ttl time.Duration) error

	Invalidate(ctx context.Context, key string) error
	// InvalidateVersion also rejects any later write-back older than version.
	InvalidateVersion(ctx context.Context, key string, version uint64) error
	InvalidateByTag(ctx context.Context, tag string) error

	// Attach subscribes the cache to bus. Each matching event invalidates
	// the entity key at the event's version and every tag on the event.
	Attach(bus *Bus, p Pattern, opts ...SubscribeOption) (*Subscription, error)

	Stats() CacheStats
}

// CacheStats is a point-in-time copy of the cache counters.
type CacheStats struct {
	Hits           uint64
	Misses         uint64
	Loads          uint64
	SharedWaits    uint64
	StaleDiscards  uint64
	Invalidations  uint64
	FailOpen       uint64
	ProviderErrors uint64
	SelfHeals      uint64
}

type cacheCounters struct {
	hits, misses, loads, shared, stale, invalidations, failOpen, providerErrors, selfHeals atomic.Uint64
}

type cache[V any] struct {
	ns         string
	provider   pr.Provider
	codec      c.Codec[V]
	gen        genstore.GenStore
	ownsGen    bool
	log        Logger
	hooks      Hooks
	enabled    bool
	failClosed bool
	defaultTTL time.Duration
	setCost    SetCostFunc
	now        func() time.Time

	flights singleflight.Group
	floors  *shard.Map[floor]
	// tagIndex maps a tag to its member entry keys and their expiry (unix nanos).
	tagIndex  *shard.Map[map[string]int64]
	tagEpoch  atomic.Uint64
	retention time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	stats cacheCounters
}

type floor struct {
	version uint64
	touched time.Time
}

func (cc *cache[V]) floorOf(sk string) uint64 {
	f, _ := cc.floors.Get(sk)
	return f.version
}

func NewCache[V any](opts CacheOptions[V]) (Cache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("cascore: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("cascore: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("cascore: namespace is required")
	}

	cc := &cache[V]{
		ns:         opts.Namespace,
		provider:   opts.Provider,
		codec:      opts.Codec,
		enabled:    !opts.Disabled,
		failClosed: opts.FailClosed,
		log:        component(opts.Logger, "cache:"+opts.Namespace),
		hooks:      coalesce[Hooks](opts.Hooks, NopHooks{}),
		defaultTTL: coalesce(opts.DefaultTTL, defaultTTL),
		now:        nowFunc(opts.Now),
		floors:     shard.New[floor](shard.DefaultShards),
		tagIndex:   shard.New[map[string]int64](shard.DefaultShards),
		retention:  coalesce(opts.GenRetention, defaultGenRetention),
		stop:       make(chan struct{}),
	}
	cc.setCost = opts.ComputeSetCost
	if cc.setCost == nil {
		cc.setCost = func(_ string, frame []byte) int64 { return int64(len(frame)) }
	}
	if opts.GenStore != nil {
		cc.gen = opts.GenStore
	} else {
		cc.gen = genstore.NewLocalGenStore(
			coalesce(opts.CleanupInterval, defaultSweep),
			cc.retention,
		)
		cc.ownsGen = true
	}
	if every := coalesce(opts.CleanupInterval, defaultSweep); every > 0 && cc.enabled {
		t := time.NewTicker(every)
		cc.wg.Add(1)
		go func() {
			defer cc.wg.Done()
			defer t.Stop()
			for {
				select {
				case <-t.C:
					cc.sweep()
				case <-cc.stop:
					return
				}
			}
		}()
	}
	return cc, nil
}

// sweep drops version floors untouched for longer than retention and tag
// members whose entries have expired.
func (cc *cache[V]) sweep() (floors, members int) {
	now := cc.now()
	cutoff := now.Add(-cc.retention)
	floors = cc.floors.DeleteFunc(func(_ string, f floor) bool {
		return f.touched.Before(cutoff)
	})
	cc.tagIndex.DeleteFunc(func(_ string, set map[string]int64) bool {
		for sk, exp := range set {
			if exp <= now.UnixNano() {
				delete(set, sk)
				members++
			}
		}
		return len(set) == 0
	})
	return floors, members
}

func (cc *cache[V]) Enabled() bool { return cc.enabled }

func (cc *cache[V]) Close(ctx context.Context) error {
	cc.stopOnce.Do(func() { close(cc.stop) })
	cc.wg.Wait()
	if cc.ownsGen {
		_ = cc.gen.Close(ctx)
	}
	return cc.provider.Close(ctx)
}

func (cc *cache[V]) entryKey(key string) string { return "e:" + cc.ns + ":" + key }
func (cc *cache[V]) tagKey(tag string) string   { return "t:" + cc.ns + ":" + tag }

func (cc *cache[V]) Stats() CacheStats {
	s := &cc.stats
	return CacheStats{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Loads:          s.loads.Load(),
		SharedWaits:    s.shared.Load(),
		StaleDiscards:  s.stale.Load(),
		Invalidations:  s.invalidations.Load(),
		FailOpen:       s.failOpen.Load(),
		ProviderErrors: s.providerErrors.Load(),
		SelfHeals:      s.selfHeals.Load(),
	}
}

func (cc *cache[V]) Get(ctx context.Context, key string, load Loader[V]) (V, error) {
	var zero V
	if load == nil {
		return zero, fmt.Errorf("cascore: nil loader")
	}
	if !cc.enabled {
		l, err := load(ctx)
		return l.Value, err
	}
	sk := cc.entryKey(key)
	v, ok, err := cc.read(ctx, sk)
	if err != nil {
		if ferr := cc.outage(ctx, "get", key, sk, err); ferr != nil {
			return zero, ferr
		}
		l, err := load(ctx)
		return l.Value, err
	}
	if ok {
		cc.stats.hits.Add(1)
		return v, nil
	}
	cc.stats.misses.Add(1)
	return cc.loadShared(ctx, key, sk, load)
}

func (cc *cache[V]) Peek(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if !cc.enabled {
		return zero, false, nil
	}
	return cc.read(ctx, cc.entryKey(key))
}

// outage records a provider or genstore failure. It returns the error to
// surface, or nil when the caller should fall back to the loader.
func (cc *cache[V]) outage(ctx context.Context, op, key, sk string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	cc.stats.providerErrors.Add(1)
	cc.hooks.CacheUnavailable(op, sk, err)
	if cc.failClosed {
		return &CacheUnavailableError{Op: op, Key: key, Err: err}
	}
	cc.stats.failOpen.Add(1)
	cc.log.Warn("cache unavailable, loading directly", Fields{"key": key, "op": op, "err": err})
	return nil
}

// read returns (value, true, nil) only for an entry that passes every
// coherence check. Entries that fail are deleted.
func (cc *cache[V]) read(ctx context.Context, sk string) (V, bool, error) {
	var zero V
	raw, ok, err := cc.provider.Get(ctx, sk)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}
	e, err := wire.Decode(raw)
	if err != nil {
		cc.heal(ctx, sk, "corrupt", nil)
		return zero, false, nil
	}
	if e.ExpiresAt != 0 && cc.now().UnixNano() >= e.ExpiresAt {
		cc.heal(ctx, sk, "expired", e.Tags)
		return zero, false, nil
	}
	if e.Version < cc.floorOf(sk) {
		cc.heal(ctx, sk, "version_floor", e.Tags)
		return zero, false, nil
	}
	gen, err := cc.gen.Snapshot(ctx, sk)
	if err != nil {
		return zero, false, err
	}
	if gen != e.Gen {
		cc.heal(ctx, sk, "gen_mismatch", e.Tags)
		return zero, false, nil
	}
	if len(e.Tags) > 0 {
		tks := make([]string, len(e.Tags))
		for i, t := range e.Tags {
			tks[i] = cc.tagKey(t.Tag)
		}
		cur, err := cc.gen.SnapshotMany(ctx, tks)
		if err != nil {
			return zero, false, err
		}
		for i, t := range e.Tags {
			if cur[tks[i]] != t.Gen {
				cc.heal(ctx, sk, "tag_mismatch", e.Tags)
				return zero, false, nil
			}
		}
	}
	v, err := cc.codec.Decode(e.Payload)
	if err != nil {
		cc.heal(ctx, sk, "value_decode", e.Tags)
		return zero, false, nil
	}
	return v, true, nil
}

func (cc *cache[V]) heal(ctx context.Context, sk, reason string, tags []wire.TagGen) {
	cc.stats.selfHeals.Add(1)
	_ = cc.provider.Del(ctx, sk)
	for _, t := range tags {
		cc.untag(t.Tag, sk)
	}
	cc.hooks.SelfHeal(sk, reason)
	cc.log.Debug("cache entry dropped", Fields{"key": sk, "reason": reason})
}

// canceledLoad marks a flight whose leader's context ended. Waiters with a
// live context start a fresh flight instead of inheriting the cancellation.
type canceledLoad struct{ err error }

func (e *canceledLoad) Error() string { return "cascore: load canceled: " + e.err.Error() }
func (e *canceledLoad) Unwrap() error { return e.err }

func (cc *cache[V]) loadShared(ctx context.Context, key, sk string, load Loader[V]) (V, error) {
	var zero V
	for {
		led := false
		ch := cc.flights.DoChan(sk, func() (any, error) {
			led = true
			return cc.fill(ctx, key, sk, load)
		})
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case r := <-ch:
			if !led {
				cc.stats.shared.Add(1)
			}
			if r.Err != nil {
				var cl *canceledLoad
				if errors.As(r.Err, &cl) {
					if ctx.Err() == nil && !led {
						continue
					}
					return zero, cl.err
				}
				return zero, r.Err
			}
			return r.Val.(V), nil
		}
	}
}

// fill runs in the singleflight goroutine. Generations are captured before
// the load so an invalidation racing the load retires the result.
func (cc *cache[V]) fill(ctx context.Context, key, sk string, load Loader[V]) (V, error) {
	var zero V
	gen, gerr := cc.gen.Snapshot(ctx, sk)
	epoch := cc.tagEpoch.Load()

	cc.stats.loads.Add(1)
	l, err := load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return zero, &canceledLoad{err: err}
		}
		return zero, err
	}
	if gerr != nil {
		if ferr := cc.outage(ctx, "snapshot", key, sk, gerr); ferr != nil {
			return zero, ferr
		}
		return l.Value, nil
	}
	if ctx.Err() != nil {
		cc.discard(sk, "canceled")
		return l.Value, nil
	}
	if l.TTL < 0 {
		return l.Value, nil
	}
	if err := cc.writeBack(ctx, sk, l, gen, epoch); err != nil {
		if ferr := cc.outage(ctx, "put", key, sk, err); ferr != nil {
			return zero, ferr
		}
	}
	return l.Value, nil
}

func (cc *cache[V]) discard(sk, reason string) {
	cc.stats.stale.Add(1)
	cc.hooks.StaleWriteDiscarded(sk, reason)
	cc.log.Debug("stale write-back discarded", Fields{"key": sk, "reason": reason})
}

func (cc *cache[V]) writeBack(ctx context.Context, sk string, l Loaded[V], gen, epoch uint64) error {
	if l.Version < cc.floorOf(sk) {
		cc.discard(sk, "version_floor")
		return nil
	}
	cur, err := cc.gen.Snapshot(ctx, sk)
	if err != nil {
		return err
	}
	if cur != gen {
		cc.discard(sk, "gen_changed")
		return nil
	}
	frame, err := cc.frame(ctx, sk, l, gen)
	if err != nil {
		return err
	}
	// Tag gens are read after the load; an InvalidateByTag that started
	// before this check has already moved the epoch.
	if cc.tagEpoch.Load() != epoch {
		cc.discard(sk, "tag_changed")
		return nil
	}
	return cc.store(ctx, sk, frame, l)
}

func (cc *cache[V]) frame(ctx context.Context, sk string, l Loaded[V], gen uint64) ([]byte, error) {
	payload, err := cc.codec.Encode(l.Value)
	if err != nil {
		return nil, fmt.Errorf("cascore: encode %s: %w", sk, err)
	}
	tags := uniqTags(l.Tags)
	e := wire.Entry{Gen: gen, Version: l.Version, Payload: payload}
	if len(tags) > 0 {
		tks := make([]string, len(tags))
		for i, t := range tags {
			tks[i] = cc.tagKey(t)
		}
		gens, err := cc.gen.SnapshotMany(ctx, tks)
		if err != nil {
			return nil, err
		}
		e.Tags = make([]wire.TagGen, len(tags))
		for i, t := range tags {
			e.Tags[i] = wire.TagGen{Tag: t, Gen: gens[tks[i]]}
		}
	}
	ttl := l.TTL
	if ttl == 0 {
		ttl = cc.defaultTTL
	}
	e.ExpiresAt = cc.now().Add(ttl).UnixNano()
	return wire.Encode(e)
}

func (cc *cache[V]) store(ctx context.Context, sk string, frame []byte, l Loaded[V]) error {
	ttl := l.TTL
	if ttl == 0 {
		ttl = cc.defaultTTL
	}
	ok, err := cc.provider.Set(ctx, sk, frame, cc.setCost(sk, frame), ttl)
	if err != nil {
		return err
	}
	if !ok {
		cc.hooks.ProviderSetRejected(sk)
		cc.log.Debug("provider rejected set", Fields{"key": sk})
		return nil
	}
	exp := cc.now().Add(ttl).UnixNano()
	for _, t := range uniqTags(l.Tags) {
		cc.tagIndex.Update(t, func(cur map[string]int64, _ bool) (map[string]int64, bool) {
			if cur == nil {
				cur = make(map[string]int64)
			}
			cur[sk] = exp
			return cur, true
		})
	}
	return nil
}

func (cc *cache[V]) untag(tag, sk string) {
	cc.tagIndex.Update(tag, func(cur map[string]int64, _ bool) (map[string]int64, bool) {
		delete(cur, sk)
		return cur, len(cur) > 0
	})
}

func (cc *cache[V]) Put(ctx context.Context, key string, value V, version uint64, tags []string, ttl time.Duration) error {
	if !cc.enabled || ttl < 0 {
		return nil
	}
	sk := cc.entryKey(key)
	l := Loaded[V]{Value: value, Version: version, Tags: tags, TTL: ttl}
	if version < cc.floorOf(sk) {
		cc.discard(sk, "version_floor")
		return nil
	}
	err := func() error {
		gen, err := cc.gen.Snapshot(ctx, sk)
		if err != nil {
			return err
		}
		frame, err := cc.frame(ctx, sk, l, gen)
		if err != nil {
			return err
		}
		return cc.store(ctx, sk, frame, l)
	}()
	if err == nil {
		return nil
	}
	cc.stats.providerErrors.Add(1)
	cc.hooks.CacheUnavailable("put", sk, err)
	if cc.failClosed {
		return &CacheUnavailableError{Op: "put", Key: key, Err: err}
	}
	cc.log.Warn("cache put failed", Fields{"key": key, "err": err})
	return nil
}

func (cc *cache[V]) Invalidate(ctx context.Context, key string) error {
	if !cc.enabled {
		return nil
	}
	return cc.invalidate(ctx, key, cc.entryKey(key))
}

func (cc *cache[V]) invalidate(ctx context.Context, key, sk string) error {
	cc.stats.invalidations.Add(1)
	newGen, bumpErr := cc.gen.Bump(ctx, sk)
	delErr := cc.provider.Del(ctx, sk)
	if bumpErr != nil && delErr != nil {
		cc.hooks.InvalidateOutage(key, bumpErr, delErr)
		cc.log.Error("invalidate failed", Fields{"key": key, "bump_err": bumpErr, "del_err": delErr})
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	}
	cc.log.Debug("invalidated key (bumped gen + cleared entry)", Fields{"key": key, "newGen": newGen})
	return nil
}

func (cc *cache[V]) InvalidateVersion(ctx context.Context, key string, version uint64) error {
	if !cc.enabled {
		return nil
	}
	sk := cc.entryKey(key)
	now := cc.now()
	cc.floors.Update(sk, func(cur floor, _ bool) (floor, bool) {
		return floor{version: max(cur.version, version), touched: now}, true
	})
	return cc.invalidate(ctx, key, sk)
}

func (cc *cache[V]) InvalidateByTag(ctx context.Context, tag string) error {
	if !cc.enabled || tag == "" {
		return nil
	}
	cc.stats.invalidations.Add(1)
	// epoch first: see writeBack
	cc.tagEpoch.Add(1)
	_, bumpErr := cc.gen.Bump(ctx, cc.tagKey(tag))

	var members map[string]int64
	cc.tagIndex.Update(tag, func(cur map[string]int64, _ bool) (map[string]int64, bool) {
		members = cur
		return nil, false
	})
	var delErr error
	for sk := range members {
		if err := cc.provider.Del(ctx, sk); err != nil {
			delErr = errors.Join(delErr, err)
		}
	}
	if bumpErr != nil && (delErr != nil || len(members) == 0) {
		cc.hooks.InvalidateOutage("tag:"+tag, bumpErr, delErr)
		cc.log.Error("tag invalidate failed", Fields{"tag": tag, "bump_err": bumpErr, "del_err": delErr})
		return &InvalidateError{Key: "tag:" + tag, BumpErr: bumpErr, DelErr: delErr}
	}
	if delErr != nil {
		cc.log.Warn("tag invalidate: some deletes failed", Fields{"tag": tag, "err": delErr})
	}
	return nil
}

func (cc *cache[V]) Attach(bus *Bus, p Pattern, opts ...SubscribeOption) (*Subscription, error) {
	if bus == nil {
		return nil, fmt.Errorf("cascore: nil bus")
	}
	opts = append([]SubscribeOption{WithName("cache:" + cc.ns)}, opts...)
	return bus.Subscribe(p, func(ctx context.Context, e ChangeEvent) error {
		err := cc.InvalidateVersion(ctx, e.Key.String(), e.Version)
		for _, t := range e.Tags {
			err = errors.Join(err, cc.InvalidateByTag(ctx, t))
		}
		return err
	}, opts...)
}

func uniqTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := slices.Clone(tags)
	slices.Sort(out)
	out = slices.Compact(out)
	if out[0] == "" {
		out = out[1:]
	}
	return out
}
