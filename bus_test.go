package cascore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/cascore/store"
)

func ev(id string, version uint64, tags ...string) ChangeEvent {
	return ChangeEvent{
		Key:     store.Key{Tenant: "acme", Type: "project", ID: id},
		Op:      OpUpsert,
		Version: version,
		Tags:    tags,
	}
}

func TestPatternMatch(t *testing.T) {
	e := ev("P1", 1, "active")
	cases := []struct {
		p    Pattern
		want bool
	}{
		{Pattern{}, true},
		{Pattern{Tenant: "acme"}, true},
		{Pattern{Tenant: "other"}, false},
		{Pattern{Type: "project"}, true},
		{Pattern{Type: "proj*"}, true},
		{Pattern{Type: "task*"}, false},
		{Pattern{Tags: []string{"archived", "active"}}, true},
		{Pattern{Tags: []string{"archived"}}, false},
		{Pattern{Tenant: "acme", Type: "project", Tags: []string{"active"}}, true},
	}
	for _, tc := range cases {
		if got := tc.p.Match(e); got != tc.want {
			t.Errorf("%+v.Match = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestPublishInlineDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewBus(BusOptions{})
	defer b.Close(ctx)

	var got []uint64
	if _, err := b.Subscribe(Pattern{Type: "project"}, func(_ context.Context, e ChangeEvent) error {
		got = append(got, e.Version)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	must(t, b.Publish(ctx, ev("P1", 1), ev("P1", 2)))
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v", got)
	}
}

func TestFailingSubscriberIsIsolated(t *testing.T) {
	ctx := context.Background()
	hooks := newRecHooks()
	b := NewBus(BusOptions{Hooks: hooks, MaxAttempts: 3, RetryBackoff: time.Millisecond})
	defer b.Close(ctx)

	var attempts, healthy atomic.Int64
	_, err := b.Subscribe(Pattern{}, func(context.Context, ChangeEvent) error {
		attempts.Add(1)
		return errors.New("down")
	}, WithName("flaky"))
	must(t, err)
	_, err = b.Subscribe(Pattern{}, func(context.Context, ChangeEvent) error {
		healthy.Add(1)
		return nil
	})
	must(t, err)

	if err := b.Publish(ctx, ev("P1", 1)); err != nil {
		t.Fatalf("Publish surfaced handler failure: %v", err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
	if healthy.Load() != 1 {
		t.Fatalf("healthy subscriber got %d events", healthy.Load())
	}
	if hooks.count("failure:flaky") != 1 {
		t.Fatalf("failure not reported")
	}
}

func TestRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	hooks := newRecHooks()
	b := NewBus(BusOptions{Hooks: hooks, MaxAttempts: 3, RetryBackoff: time.Millisecond})
	defer b.Close(ctx)

	var n atomic.Int64
	_, err := b.Subscribe(Pattern{}, func(context.Context, ChangeEvent) error {
		if n.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	}, WithName("retry"))
	must(t, err)
	must(t, b.Publish(ctx, ev("P1", 1)))
	if n.Load() != 2 || hooks.count("failure:retry") != 0 {
		t.Fatalf("n=%d failures=%d", n.Load(), hooks.count("failure:retry"))
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	ctx := context.Background()
	hooks := newRecHooks()
	b := NewBus(BusOptions{Hooks: hooks, MaxAttempts: 1})
	defer b.Close(ctx)

	_, err := b.Subscribe(Pattern{}, func(context.Context, ChangeEvent) error { panic("boom") }, WithName("p"))
	must(t, err)
	must(t, b.Publish(ctx, ev("P1", 1)))
	if hooks.count("failure:p") != 1 {
		t.Fatalf("panic not reported as failure")
	}
}

func TestHandlerGetsOwnCopy(t *testing.T) {
	ctx := context.Background()
	b := NewBus(BusOptions{})
	defer b.Close(ctx)

	_, err := b.Subscribe(Pattern{}, func(_ context.Context, e ChangeEvent) error {
		e.Tags[0] = "mutated"
		return nil
	})
	must(t, err)
	e := ev("P1", 1, "active")
	must(t, b.Publish(ctx, e))
	if e.Tags[0] != "active" {
		t.Fatalf("handler mutated the published event")
	}
}

func TestQueuedSubscriberPreservesOrder(t *testing.T) {
	ctx := context.Background()
	b := NewBus(BusOptions{})

	var (
		mu  sync.Mutex
		got []uint64
	)
	_, err := b.Subscribe(Pattern{}, func(_ context.Context, e ChangeEvent) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, e.Version)
		mu.Unlock()
		return nil
	}, WithQueue(4))
	must(t, err)

	for v := uint64(1); v <= 20; v++ {
		must(t, b.Publish(ctx, ev("P1", v)))
	}
	// Close drains queued events.
	must(t, b.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("delivered %d of 20", len(got))
	}
	for i, v := range got {
		if v != uint64(i+1) {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestPublishBlockedOnFullQueueHonorsContext(t *testing.T) {
	b := NewBus(BusOptions{})
	release := make(chan struct{})
	_, err := b.Subscribe(Pattern{}, func(context.Context, ChangeEvent) error {
		<-release
		return nil
	}, WithQueue(1))
	must(t, err)
	defer func() {
		close(release)
		_ = b.Close(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// one in the handler, one in the queue, the third blocks
	err = b.Publish(ctx, ev("P1", 1), ev("P1", 2), ev("P1", 3))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestPublishRacingUnsubscribeReportsDrop(t *testing.T) {
	hooks := newRecHooks()
	b := NewBus(BusOptions{Hooks: hooks})
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s, err := b.Subscribe(Pattern{}, func(context.Context, ChangeEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, WithName("q"), WithQueue(1))
	must(t, err)
	defer func() { _ = b.Close(context.Background()) }()

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), ev("P1", 1), ev("P1", 2), ev("P1", 3)) }()
	<-started
	b.Unsubscribe(s)

	select {
	case err := <-done:
		must(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Publish stayed blocked after Unsubscribe")
	}
	close(release)
	if hooks.count("failure:q") == 0 {
		t.Fatalf("dropped delivery not reported")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewBus(BusOptions{})
	defer b.Close(ctx)

	var n atomic.Int64
	s, err := b.Subscribe(Pattern{}, func(context.Context, ChangeEvent) error { n.Add(1); return nil })
	must(t, err)
	must(t, b.Publish(ctx, ev("P1", 1)))
	b.Unsubscribe(s)
	b.Unsubscribe(s)
	must(t, b.Publish(ctx, ev("P1", 2)))
	if n.Load() != 1 {
		t.Fatalf("n = %d", n.Load())
	}
}

func TestClosedBus(t *testing.T) {
	ctx := context.Background()
	b := NewBus(BusOptions{})
	must(t, b.Close(ctx))
	must(t, b.Close(ctx))
	if err := b.Publish(ctx, ev("P1", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish err = %v", err)
	}
	if _, err := b.Subscribe(Pattern{}, func(context.Context, ChangeEvent) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe err = %v", err)
	}
}
