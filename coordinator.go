package cascore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/cascore/store"
)

type CoordinatorOptions struct {
	Engine store.Engine
	// Bus receives one event per mutated entity after each commit. Optional.
	Bus    *Bus
	Logger Logger
	Hooks  Hooks
	Now    func() time.Time
}

// Coordinator runs repository writes as atomic units of work against one
// engine and announces committed changes on the bus.
type Coordinator struct {
	engine store.Engine
	bus    *Bus
	log    Logger
	hooks  Hooks
	now    func() time.Time

	committed atomic.Uint64
	conflicts atomic.Uint64
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("cascore: engine is required")
	}
	return &Coordinator{
		engine: opts.Engine,
		bus:    opts.Bus,
		log:    component(opts.Logger, "coordinator"),
		hooks:  coalesce[Hooks](opts.Hooks, NopHooks{}),
		now:    nowFunc(opts.Now),
	}, nil
}

// Handle returns a fresh handle. Give each goroutine its own.
func (c *Coordinator) Handle() *Handle { return &Handle{c: c} }

// Within runs fn in a scope on a fresh handle. See Handle.Within.
func (c *Coordinator) Within(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	return c.Handle().Within(ctx, fn)
}

// Committed and Conflicts count finished scopes since construction.
func (c *Coordinator) Committed() uint64 { return c.committed.Load() }
func (c *Coordinator) Conflicts() uint64 { return c.conflicts.Load() }

func (c *Coordinator) publish(ctx context.Context, s *Scope, events []ChangeEvent) {
	if c.bus == nil || len(events) == 0 {
		return
	}
	if err := c.bus.Publish(ctx, events...); err != nil {
		c.log.Error("publish after commit failed", Fields{"tx": s.id, "events": len(events), "err": err})
	}
}

// Handle owns at most one active scope.
type Handle struct {
	c      *Coordinator
	active atomic.Pointer[Scope]
}

type scopeCtxKey struct{}

// ScopeFrom returns the scope Within attached to ctx, if any.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeCtxKey{}).(*Scope)
	return s, ok
}

// Active returns the handle's open scope or nil.
func (h *Handle) Active() *Scope { return h.active.Load() }

// Begin opens a scope. It fails with ErrAlreadyActive if the handle already
// has one or ctx was derived from an open scope. Cancelling ctx while the
// scope is Active rolls it back.
func (h *Handle) Begin(ctx context.Context) (*Scope, error) {
	if outer, ok := ScopeFrom(ctx); ok && !outer.State().Terminal() {
		return nil, fmt.Errorf("%w: nested scope inside %s", ErrAlreadyActive, outer.id)
	}
	s := &Scope{
		id:     uuid.NewString(),
		c:      h.c,
		h:      h,
		writes: make(map[store.Key]*pendingWrite),
	}
	if !h.active.CompareAndSwap(nil, s) {
		return nil, ErrAlreadyActive
	}
	tx, err := h.c.engine.Begin(ctx)
	if err != nil {
		h.active.CompareAndSwap(s, nil)
		return nil, fmt.Errorf("cascore: begin: %w", err)
	}
	s.mu.Lock()
	s.tx = tx
	s.state = StateActive
	s.began = h.c.now()
	s.mu.Unlock()
	s.stopWatch = context.AfterFunc(ctx, func() {
		s.abort(context.Cause(ctx))
	})
	h.c.log.Debug("scope begin", Fields{"tx": s.id})
	return s, nil
}

// Within begins a scope, runs fn and commits if fn returns nil. An error
// from fn rolls back and is returned as is. A panic rolls back and is
// re-raised. The ctx passed to fn carries the scope, so Begin on it fails.
func (h *Handle) Within(ctx context.Context, fn func(ctx context.Context, s *Scope) error) (err error) {
	s, err := h.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if rbErr := s.Rollback(ctx); rbErr != nil {
				h.c.log.Warn("rollback after panic failed", Fields{"tx": s.id, "err": rbErr})
			}
			panic(r)
		}
	}()
	if err := fn(context.WithValue(ctx, scopeCtxKey{}, s), s); err != nil {
		if rbErr := s.Rollback(ctx); rbErr != nil {
			h.c.log.Warn("rollback after error failed", Fields{"tx": s.id, "err": rbErr})
		}
		return err
	}
	return s.Commit(ctx)
}

func (h *Handle) Commit(ctx context.Context, s *Scope) error {
	if err := h.owns(s); err != nil {
		return err
	}
	return s.Commit(ctx)
}

func (h *Handle) Rollback(ctx context.Context, s *Scope) error {
	if err := h.owns(s); err != nil {
		return err
	}
	return s.Rollback(ctx)
}

func (h *Handle) owns(s *Scope) error {
	if s == nil || s.h != h {
		return fmt.Errorf("cascore: scope does not belong to this handle")
	}
	return nil
}

func newID() string { return uuid.NewString() }
