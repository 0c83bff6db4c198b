package cascore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Handler reacts to a change event. A returned error or a panic is retried
// with backoff; after the last attempt it is reported and dropped.
type Handler func(ctx context.Context, e ChangeEvent) error

// Pattern selects events. Empty fields match everything. Type may end in
// "*" to match a prefix. Tags match when any tag is shared with the event.
type Pattern struct {
	Tenant string
	Type   string
	Tags   []string
}

func (p Pattern) Match(e ChangeEvent) bool {
	if p.Tenant != "" && p.Tenant != e.Key.Tenant {
		return false
	}
	if p.Type != "" {
		if prefix, ok := strings.CutSuffix(p.Type, "*"); ok {
			if !strings.HasPrefix(e.Key.Type, prefix) {
				return false
			}
		} else if p.Type != e.Key.Type {
			return false
		}
	}
	if len(p.Tags) == 0 {
		return true
	}
	for _, t := range p.Tags {
		if slices.Contains(e.Tags, t) {
			return true
		}
	}
	return false
}

type BusOptions struct {
	Logger Logger
	Hooks  Hooks
	// QueueSize bounds each queued subscriber. A full queue blocks the publisher.
	QueueSize int
	// MaxAttempts per subscriber per event, first try included.
	MaxAttempts int
	// RetryBackoff before the second attempt; doubles after each failure.
	RetryBackoff time.Duration
}

// Bus is an in-process publish/subscribe channel for change events.
// Construct one per process with NewBus, pass it to the components that
// need it, and Close it on shutdown.
type Bus struct {
	log         Logger
	hooks       Hooks
	queueSize   int
	maxAttempts int
	backoff     time.Duration

	mu     sync.Mutex // serializes subscription changes; Publish never takes it
	subs   atomic.Pointer[[]*Subscription]
	nextID atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewBus(opts BusOptions) *Bus {
	b := &Bus{
		log:         component(opts.Logger, "bus"),
		hooks:       coalesce[Hooks](opts.Hooks, NopHooks{}),
		queueSize:   coalesce(opts.QueueSize, 1024),
		maxAttempts: coalesce(opts.MaxAttempts, 3),
		backoff:     coalesce(opts.RetryBackoff, 10*time.Millisecond),
	}
	b.subs.Store(&[]*Subscription{})
	return b
}

type SubscribeOption func(*Subscription)

// WithName labels the subscriber in logs and hooks.
func WithName(name string) SubscribeOption {
	return func(s *Subscription) { s.name = name }
}

// WithQueue delivers events on a dedicated goroutine in publish order.
// size <= 0 uses BusOptions.QueueSize. Without it, handlers run inline on
// the publisher's goroutine.
func WithQueue(size int) SubscribeOption {
	return func(s *Subscription) {
		if size <= 0 {
			size = -1
		}
		s.queueSize = size
	}
}

type delivery struct {
	ctx context.Context
	e   ChangeEvent
}

type Subscription struct {
	id        uint64
	name      string
	pattern   Pattern
	handler   Handler
	queueSize int

	queue    chan delivery
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *Subscription) Name() string { return s.name }

func (b *Bus) Subscribe(p Pattern, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("cascore: nil handler")
	}
	s := &Subscription{id: b.nextID.Add(1), pattern: p, handler: h}
	for _, o := range opts {
		o(s)
	}
	if s.name == "" {
		s.name = fmt.Sprintf("sub-%d", s.id)
	}
	if s.queueSize != 0 {
		size := s.queueSize
		if size < 0 {
			size = b.queueSize
		}
		s.queue = make(chan delivery, size)
		s.stop = make(chan struct{})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	b.subs.Store(&next)

	if s.queue != nil {
		b.wg.Add(1)
		go b.worker(s)
	}
	b.log.Debug("bus subscribe", Fields{"subscriber": s.name, "queued": s.queue != nil})
	return s, nil
}

// Unsubscribe stops delivery to s. Events already queued for s are still
// delivered. Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, x := range cur {
		if x != s {
			next = append(next, x)
		}
	}
	b.subs.Store(&next)
	b.mu.Unlock()
	s.halt()
}

func (s *Subscription) halt() {
	if s.stop != nil {
		s.stopOnce.Do(func() { close(s.stop) })
	}
}

// Publish delivers events to every matching subscriber in order. Handler
// failures never surface here. The only errors are ErrClosed and a context
// error while blocked on a full subscriber queue.
func (b *Bus) Publish(ctx context.Context, events ...ChangeEvent) error {
	if b.closed.Load() {
		return ErrClosed
	}
	subs := *b.subs.Load()
	for _, e := range events {
		for _, s := range subs {
			if !s.pattern.Match(e) {
				continue
			}
			if s.queue == nil {
				b.deliver(ctx, s, e)
				continue
			}
			select {
			case s.queue <- delivery{ctx: context.WithoutCancel(ctx), e: e}:
			case <-s.stop:
				b.dropped(s, e)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (b *Bus) worker(s *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case d := <-s.queue:
			b.deliver(d.ctx, s, d.e)
		case <-s.stop:
			for {
				select {
				case d := <-s.queue:
					b.deliver(d.ctx, s, d.e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s *Subscription, e ChangeEvent) {
	var (
		err     error
		attempt int
		wait    = b.backoff
	)
	for attempt = 1; ; attempt++ {
		if err = call(ctx, s.handler, e); err == nil {
			return
		}
		if attempt >= b.maxAttempts {
			break
		}
		b.log.Debug("bus handler failed, retrying", Fields{
			"subscriber": s.name, "key": e.Key.String(), "version": e.Version, "attempt": attempt, "err": err,
		})
		if !sleepCtx(ctx, wait) {
			err = fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			break
		}
		wait *= 2
	}
	ferr := &InvalidationFailureError{Subscriber: s.name, Event: e, Attempts: attempt, Err: err}
	b.log.Error("bus handler gave up", Fields{
		"subscriber": s.name, "key": e.Key.String(), "version": e.Version, "err": ferr,
	})
	b.hooks.InvalidationFailure(s.name, e.Key.String(), e.Version, ferr)
}

// dropped reports an event that raced Close or Unsubscribe and was never queued.
func (b *Bus) dropped(s *Subscription, e ChangeEvent) {
	ferr := &InvalidationFailureError{Subscriber: s.name, Event: e, Err: ErrClosed}
	b.log.Warn("bus subscriber stopped, event dropped", Fields{
		"subscriber": s.name, "key": e.Key.String(), "version": e.Version,
	})
	b.hooks.InvalidationFailure(s.name, e.Key.String(), e.Version, ferr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func call(ctx context.Context, h Handler, e ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e.clone())
}

// Close stops accepting publishes and waits for queued subscribers to drain,
// or for ctx to expire.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return nil
	}
	subs := *b.subs.Load()
	b.mu.Unlock()

	for _, s := range subs {
		s.halt()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
