// Package sloghooks logs cascore hook events through log/slog with sampling
// for the noisy ones and key redaction.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cascore"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	StaleEvery    uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	staleCtr    atomic.Uint64
}

var _ cascore.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("cascore.self_heal", "key", h.redact(storageKey), "reason", reason)
}

func (h *Hooks) StaleWriteDiscarded(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.StaleEvery, &h.staleCtr) {
		return
	}
	h.l.Debug("cascore.stale_write_discarded", "key", h.redact(storageKey), "reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("cascore.provider_set_rejected", "key", h.redact(storageKey))
}

func (h *Hooks) CacheUnavailable(op, storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cascore.cache_unavailable", "op", op, "key", h.redact(storageKey), "err", err)
}

func (h *Hooks) InvalidateOutage(key string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("cascore.invalidate_outage",
		"key", h.redact(key),
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) InvalidationFailure(subscriber, key string, version uint64, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("cascore.invalidation_failure",
		"subscriber", subscriber,
		"key", h.redact(key),
		"version", version,
		"err", err)
}

func (h *Hooks) ProjectionLagExceeded(key string, applied, waiting uint64, age time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Warn("cascore.projection_lag_exceeded",
		"key", h.redact(key),
		"applied", applied,
		"waiting", waiting,
		"age", age)
}

func (h *Hooks) TransactionConflict(txID string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cascore.transaction_conflict", "tx", txID, "err", err)
}
