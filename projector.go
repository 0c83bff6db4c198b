package cascore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cascore/internal/shard"
	"github.com/unkn0wn-root/cascore/store"
)

// Record is the projector's denormalized copy of one entity.
type Record struct {
	Key            store.Key
	AppliedVersion uint64
	Data           []byte
	// Fields holds whatever ProjectorOptions.Project derived from Data.
	Fields     map[string]any
	Tags       []string
	OccurredAt time.Time
	AppliedAt  time.Time
}

func (r Record) clone() Record {
	r.Data = slices.Clone(r.Data)
	r.Tags = slices.Clone(r.Tags)
	r.Fields = maps.Clone(r.Fields)
	return r
}

// RecordSource re-reads authoritative state during self-heal. LoadRecord
// returns tombstones with Deleted set and store.ErrNotFound for unknown keys.
type RecordSource interface {
	LoadRecord(ctx context.Context, key store.Key) (store.Record, error)
}

type engineSource struct{ e store.Engine }

// EngineSource reads records through short transactions on e.
func EngineSource(e store.Engine) RecordSource { return engineSource{e: e} }

func (s engineSource) LoadRecord(ctx context.Context, key store.Key) (store.Record, error) {
	tx, err := s.e.Begin(ctx)
	if err != nil {
		return store.Record{}, err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))
	return tx.Get(ctx, key)
}

// ProjectFunc derives query fields from an entity payload.
type ProjectFunc func(key store.Key, data []byte) (map[string]any, error)

type ProjectorOptions struct {
	Source RecordSource
	Logger Logger
	Hooks  Hooks
	// GapTimeout is how long a version gap may stay open before self-heal.
	GapTimeout time.Duration
	// HealTimeout bounds one authoritative read during self-heal.
	HealTimeout time.Duration
	// MaxBuffer bounds out-of-order events held per entity. Overflow heals immediately.
	MaxBuffer int
	Project   ProjectFunc
	Now       func() time.Time
}

// ReadQuery selects projected records. Empty fields match everything.
type ReadQuery struct {
	Tenant   string
	Type     string
	Tag      string
	IDPrefix string
	Limit    int
	// MaxStaleness > 0 makes Query report ErrProjectionStale when a matched
	// record has had a version gap open for longer.
	MaxStaleness time.Duration
}

// Counts aggregates live records of one tenant and type.
type Counts struct {
	Total int
	ByTag map[string]int
}

// ProjectionLagStats is a point-in-time view of projector progress.
type ProjectionLagStats struct {
	Applied      uint64
	Duplicates   uint64
	Buffered     uint64
	Overflows    uint64
	LagExceeded  uint64
	Heals        uint64
	HealFailures uint64
	// Pending events and lagging entities right now.
	Pending   int
	Lagging   int
	OldestGap time.Duration
}

type keyState struct {
	mu       sync.Mutex
	key      store.Key
	rec      Record
	applied  uint64
	deleted  bool
	pending  map[uint64]ChangeEvent
	gapSince time.Time
	timer    *time.Timer
	healing  bool
	// needAtLeast is the highest version dropped on buffer overflow. The
	// source must be re-read until applied catches up with it.
	needAtLeast uint64
}

func (st *keyState) live() bool { return st.applied > 0 && !st.deleted }

func (st *keyState) lagging() bool { return len(st.pending) > 0 || st.applied < st.needAtLeast }

type projectorCounters struct {
	applied, duplicates, buffered, overflows, lag, heals, healFailures atomic.Uint64
}

// Projector keeps a read model in per-entity version order regardless of
// the order events arrive in. Only the projector writes its records.
type Projector struct {
	src         RecordSource
	log         Logger
	hooks       Hooks
	gapTimeout  time.Duration
	healTimeout time.Duration
	maxBuffer   int
	project     ProjectFunc
	now         func() time.Time

	states *shard.Map[*keyState]
	closed atomic.Bool
	stats  projectorCounters
}

func NewProjector(opts ProjectorOptions) (*Projector, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("cascore: projector source is required")
	}
	return &Projector{
		src:         opts.Source,
		log:         component(opts.Logger, "projector"),
		hooks:       coalesce[Hooks](opts.Hooks, NopHooks{}),
		gapTimeout:  coalesce(opts.GapTimeout, 2*time.Second),
		healTimeout: coalesce(opts.HealTimeout, 5*time.Second),
		maxBuffer:   coalesce(opts.MaxBuffer, 64),
		project:     opts.Project,
		now:         nowFunc(opts.Now),
		states:      shard.New[*keyState](shard.DefaultShards),
	}, nil
}

func (p *Projector) state(key store.Key) *keyState {
	return p.states.GetOrCreate(key.String(), func() *keyState {
		return &keyState{key: key, pending: make(map[uint64]ChangeEvent)}
	})
}

// Attach subscribes the projector to bus on a queued subscription so slow
// projections never hold up committers.
func (p *Projector) Attach(bus *Bus, pat Pattern, opts ...SubscribeOption) (*Subscription, error) {
	if bus == nil {
		return nil, fmt.Errorf("cascore: nil bus")
	}
	opts = append([]SubscribeOption{WithName("projector"), WithQueue(0)}, opts...)
	return bus.Subscribe(pat, p.Apply, opts...)
}

// Apply folds e into the read model. Duplicates and versions at or below
// the applied one are no-ops. The immediate successor is applied together
// with any buffered successors. Anything further ahead is buffered until
// the gap closes or GapTimeout triggers a self-heal.
func (p *Projector) Apply(_ context.Context, e ChangeEvent) error {
	if p.closed.Load() {
		return ErrClosed
	}
	st := p.state(e.Key)
	st.mu.Lock()
	defer st.mu.Unlock()

	if e.Version <= st.applied {
		p.stats.duplicates.Add(1)
		return nil
	}
	if _, dup := st.pending[e.Version]; dup {
		p.stats.duplicates.Add(1)
		return nil
	}
	if e.Version == st.applied+1 {
		p.applyLocked(st, e)
		p.drainLocked(st)
		return nil
	}
	if len(st.pending) >= p.maxBuffer {
		p.stats.overflows.Add(1)
		p.log.Warn("projection buffer full, healing now", Fields{"key": e.Key.String(), "buffered": len(st.pending)})
		st.needAtLeast = max(st.needAtLeast, e.Version)
		if st.gapSince.IsZero() {
			st.gapSince = p.now()
		}
		if !st.healing {
			p.armLocked(st, 0)
		}
		return nil
	}
	st.pending[e.Version] = e
	p.stats.buffered.Add(1)
	if st.gapSince.IsZero() {
		st.gapSince = p.now()
		p.armLocked(st, p.gapTimeout)
	}
	return nil
}

func (p *Projector) applyLocked(st *keyState, e ChangeEvent) {
	st.applied = e.Version
	p.stats.applied.Add(1)
	if e.Op == OpDelete {
		st.deleted = true
		st.rec = Record{}
		return
	}
	st.deleted = false
	rec := Record{
		Key:            e.Key,
		AppliedVersion: e.Version,
		Data:           slices.Clone(e.Data),
		Tags:           slices.Clone(e.Tags),
		OccurredAt:     e.OccurredAt,
		AppliedAt:      p.now(),
	}
	if p.project != nil {
		f, err := p.project(e.Key, e.Data)
		if err != nil {
			p.log.Warn("projection failed, storing raw data", Fields{"key": e.Key.String(), "version": e.Version, "err": err})
		}
		rec.Fields = f
	}
	st.rec = rec
}

// drainLocked applies buffered successors and settles the gap timer.
func (p *Projector) drainLocked(st *keyState) {
	progressed := false
	for {
		next, ok := st.pending[st.applied+1]
		if !ok {
			break
		}
		delete(st.pending, next.Version)
		p.applyLocked(st, next)
		progressed = true
	}
	for v := range st.pending {
		if v <= st.applied {
			delete(st.pending, v)
		}
	}
	switch {
	case st.applied < st.needAtLeast:
		// a heal is armed or running for the dropped versions
	case len(st.pending) == 0:
		st.needAtLeast = 0
		st.gapSince = time.Time{}
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	case progressed || st.gapSince.IsZero():
		st.gapSince = p.now()
		p.armLocked(st, p.gapTimeout)
	}
}

func (p *Projector) armLocked(st *keyState, d time.Duration) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(d, func() { p.heal(st) })
}

// heal re-derives the record from the authoritative source. The read runs
// outside the state lock; if events advanced the record meanwhile, the
// higher version wins.
func (p *Projector) heal(st *keyState) {
	if p.closed.Load() {
		return
	}
	st.mu.Lock()
	if st.healing || !st.lagging() {
		st.mu.Unlock()
		return
	}
	st.healing = true
	lag := &LagExceededError{
		Key:      st.key,
		Applied:  st.applied,
		Waiting:  st.applied + 1,
		Buffered: len(st.pending),
	}
	if !st.gapSince.IsZero() {
		lag.Age = p.now().Sub(st.gapSince)
	}
	st.mu.Unlock()

	p.stats.lag.Add(1)
	p.log.Warn("projection lag exceeded, re-deriving from source", Fields{
		"key": st.key.String(), "applied": lag.Applied, "waiting": lag.Waiting, "buffered": lag.Buffered, "err": lag,
	})
	p.hooks.ProjectionLagExceeded(st.key.String(), lag.Applied, lag.Waiting, lag.Age)

	ctx, cancel := context.WithTimeout(context.Background(), p.healTimeout)
	r, err := p.src.LoadRecord(ctx, st.key)
	cancel()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.healing = false
	if p.closed.Load() {
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		p.stats.healFailures.Add(1)
		p.log.Error("projection self-heal failed", Fields{"key": st.key.String(), "err": err})
		p.armLocked(st, p.gapTimeout)
		return
	}
	if err == nil && r.Version > st.applied {
		e := ChangeEvent{Key: st.key, Op: OpUpsert, Version: r.Version, Tags: r.Tags, OccurredAt: r.UpdatedAt, Data: r.Data}
		if r.Deleted {
			e.Op = OpDelete
		}
		p.applyLocked(st, e)
	}
	p.stats.heals.Add(1)
	p.drainLocked(st)
	if st.lagging() {
		// the read raced a commit whose event was dropped or is still buffered
		st.gapSince = p.now()
		p.armLocked(st, p.gapTimeout)
	}
}

// Get returns the live record for key.
func (p *Projector) Get(key store.Key) (Record, bool) {
	st, ok := p.states.Get(key.String())
	if !ok {
		return Record{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.live() {
		return Record{}, false
	}
	return st.rec.clone(), true
}

// AppliedVersion reports the last version applied for key, deletes included.
func (p *Projector) AppliedVersion(key store.Key) uint64 {
	st, ok := p.states.Get(key.String())
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.applied
}

func (p *Projector) snapshot() []*keyState {
	var out []*keyState
	p.states.Range(func(_ string, st *keyState) bool {
		out = append(out, st)
		return true
	})
	return out
}

// Query never waits for the projector to catch up. With MaxStaleness set it
// returns the matching records together with ErrProjectionStale when any of
// them is lagging for longer than allowed.
func (p *Projector) Query(ctx context.Context, q ReadQuery) ([]Record, error) {
	now := p.now()
	var (
		out   []Record
		stale int
	)
	for _, st := range p.snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !matchKey(q, st.key) {
			continue
		}
		st.mu.Lock()
		if st.live() && (q.Tag == "" || slices.Contains(st.rec.Tags, q.Tag)) {
			out = append(out, st.rec.clone())
			if q.MaxStaleness > 0 && !st.gapSince.IsZero() && now.Sub(st.gapSince) > q.MaxStaleness {
				stale++
			}
		}
		st.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Record) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if stale > 0 {
		return out, fmt.Errorf("%w: %d records lagging beyond %s", ErrProjectionStale, stale, q.MaxStaleness)
	}
	return out, nil
}

func matchKey(q ReadQuery, k store.Key) bool {
	return (q.Tenant == "" || q.Tenant == k.Tenant) &&
		(q.Type == "" || q.Type == k.Type) &&
		strings.HasPrefix(k.ID, q.IDPrefix)
}

// Counts aggregates derived per-type and per-tag totals.
func (p *Projector) Counts(tenant, typ string) Counts {
	c := Counts{ByTag: make(map[string]int)}
	for _, st := range p.snapshot() {
		if st.key.Tenant != tenant || st.key.Type != typ {
			continue
		}
		st.mu.Lock()
		if st.live() {
			c.Total++
			for _, t := range st.rec.Tags {
				c.ByTag[t]++
			}
		}
		st.mu.Unlock()
	}
	return c
}

func (p *Projector) Stats() ProjectionLagStats {
	s := ProjectionLagStats{
		Applied:      p.stats.applied.Load(),
		Duplicates:   p.stats.duplicates.Load(),
		Buffered:     p.stats.buffered.Load(),
		Overflows:    p.stats.overflows.Load(),
		LagExceeded:  p.stats.lag.Load(),
		Heals:        p.stats.heals.Load(),
		HealFailures: p.stats.healFailures.Load(),
	}
	now := p.now()
	for _, st := range p.snapshot() {
		st.mu.Lock()
		if st.lagging() {
			s.Pending += len(st.pending)
			s.Lagging++
			if age := now.Sub(st.gapSince); age > s.OldestGap {
				s.OldestGap = age
			}
		}
		st.mu.Unlock()
	}
	return s
}

// Close stops gap timers. Apply fails with ErrClosed afterwards.
func (p *Projector) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	for _, st := range p.snapshot() {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.mu.Unlock()
	}
	return nil
}
