package cascore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	pr "github.com/unkn0wn-root/cascore/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// memProvider is a map-backed provider. Setting fail makes every call
// return ErrUnavailable.
type memProvider struct {
	mu   sync.Mutex
	m    map[string]memEntry
	fail atomic.Bool
	sets atomic.Int64
}

var _ pr.Provider = (*memProvider)(nil)

var errDown = errors.New("connection refused")

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) down() error {
	if p.fail.Load() {
		return errors.Join(pr.ErrUnavailable, errDown)
	}
	return nil
}

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := p.down(); err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if err := p.down(); err != nil {
		return false, err
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.mu.Lock()
	p.m[key] = memEntry{v: append([]byte(nil), value...), exp: exp}
	p.mu.Unlock()
	p.sets.Add(1)
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	if err := p.down(); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) put(key string, raw []byte) {
	p.mu.Lock()
	p.m[key] = memEntry{v: raw}
	p.mu.Unlock()
}

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

// recHooks counts hook calls by name and reason.
type recHooks struct {
	NopHooks
	mu sync.Mutex
	n  map[string]int
}

func newRecHooks() *recHooks { return &recHooks{n: make(map[string]int)} }

func (h *recHooks) inc(k string) {
	h.mu.Lock()
	h.n[k]++
	h.mu.Unlock()
}

func (h *recHooks) count(k string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n[k]
}

func (h *recHooks) SelfHeal(_, reason string)            { h.inc("heal:" + reason) }
func (h *recHooks) StaleWriteDiscarded(_, reason string) { h.inc("stale:" + reason) }
func (h *recHooks) CacheUnavailable(op, _ string, _ error) {
	h.inc("unavailable:" + op)
}
func (h *recHooks) InvalidationFailure(sub, _ string, _ uint64, _ error) {
	h.inc("failure:" + sub)
}
func (h *recHooks) ProjectionLagExceeded(string, uint64, uint64, time.Duration) { h.inc("lag") }
func (h *recHooks) TransactionConflict(string, error)                        { h.inc("conflict") }

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// eventually polls cond until it holds or d passes.
func eventually(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
