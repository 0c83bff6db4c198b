package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newTestHooks(opts Options) (*Hooks, *bytes.Buffer) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(l, opts), &buf
}

func TestSelfHealSampling(t *testing.T) {
	h, buf := newTestHooks(Options{SelfHealEvery: 3})
	for i := 0; i < 9; i++ {
		h.SelfHeal("e:ns:k", "corrupt")
	}
	if n := strings.Count(buf.String(), "cascore.self_heal"); n != 3 {
		t.Fatalf("logged %d times, want 3", n)
	}
}

func TestKeysAreRedacted(t *testing.T) {
	h, buf := newTestHooks(Options{})
	h.TransactionConflict("tx-1", errors.New("conflict"))
	h.ProviderSetRejected("e:ns:acme/project/p1")
	out := buf.String()
	if strings.Contains(out, "acme/project/p1") {
		t.Fatalf("raw key leaked: %q", out)
	}
	if !strings.Contains(out, "tx=tx-1") {
		t.Fatalf("tx id missing: %q", out)
	}
}

func TestCustomRedactor(t *testing.T) {
	h, buf := newTestHooks(Options{Redact: func(string) string { return "X" }})
	h.SelfHeal("secret", "expired")
	if !strings.Contains(buf.String(), "key=X") {
		t.Fatalf("got %q", buf.String())
	}
}
