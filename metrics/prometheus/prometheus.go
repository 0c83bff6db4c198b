// Package prometheus exports cascore hook events and stats as Prometheus metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/cascore"
)

// Hooks counts hook events. Keys are never used as labels.
type Hooks struct {
	SelfHeals             *prometheus.CounterVec
	StaleDiscards         *prometheus.CounterVec
	ProviderSetRejections prometheus.Counter
	CacheUnavailables     *prometheus.CounterVec
	InvalidateOutages     prometheus.Counter
	InvalidationFailures  *prometheus.CounterVec
	LagExceeded           prometheus.Counter
	LagAge                prometheus.Histogram
	TransactionConflicts  prometheus.Counter
}

var _ cascore.Hooks = (*Hooks)(nil)

// NewHooks registers the metrics on reg. Pass prometheus.DefaultRegisterer
// to expose them on promhttp.Handler().
func NewHooks(reg prometheus.Registerer, namespace string) *Hooks {
	f := promauto.With(reg)
	return &Hooks{
		SelfHeals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_self_heals_total",
			Help:      "Cache entries deleted on read, by reason",
		}, []string{"reason"}),
		StaleDiscards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stale_writes_discarded_total",
			Help:      "Loaded values not written back, by reason",
		}, []string{"reason"}),
		ProviderSetRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_provider_set_rejected_total",
			Help:      "Writes refused by the cache provider",
		}),
		CacheUnavailables: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_unavailable_total",
			Help:      "Cache backend failures, by operation",
		}, []string{"op"}),
		InvalidateOutages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidate_outages_total",
			Help:      "Invalidations where both the generation bump and the delete failed",
		}),
		InvalidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_failures_total",
			Help:      "Bus deliveries that exhausted all attempts, by subscriber",
		}, []string{"subscriber"}),
		LagExceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_lag_exceeded_total",
			Help:      "Projection gaps that triggered a self-heal",
		}),
		LagAge: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "projection_gap_age_seconds",
			Help:      "Age of projection gaps when self-heal started",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		TransactionConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_conflicts_total",
			Help:      "Commits that failed and were rolled back",
		}),
	}
}

func (h *Hooks) SelfHeal(_, reason string)            { h.SelfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) StaleWriteDiscarded(_, reason string) { h.StaleDiscards.WithLabelValues(reason).Inc() }
func (h *Hooks) ProviderSetRejected(string)           { h.ProviderSetRejections.Inc() }
func (h *Hooks) CacheUnavailable(op, _ string, _ error) {
	h.CacheUnavailables.WithLabelValues(op).Inc()
}
func (h *Hooks) InvalidateOutage(string, error, error) { h.InvalidateOutages.Inc() }
func (h *Hooks) InvalidationFailure(sub, _ string, _ uint64, _ error) {
	h.InvalidationFailures.WithLabelValues(sub).Inc()
}
func (h *Hooks) ProjectionLagExceeded(_ string, _, _ uint64, age time.Duration) {
	h.LagExceeded.Inc()
	h.LagAge.Observe(age.Seconds())
}
func (h *Hooks) TransactionConflict(string, error) { h.TransactionConflicts.Inc() }

// RegisterCacheStats exposes a cache's counters as gauges read at scrape time.
func RegisterCacheStats(reg prometheus.Registerer, namespace, cache string, stats func() cascore.CacheStats) error {
	gauges := map[string]func(cascore.CacheStats) uint64{
		"hits":            func(s cascore.CacheStats) uint64 { return s.Hits },
		"misses":          func(s cascore.CacheStats) uint64 { return s.Misses },
		"loads":           func(s cascore.CacheStats) uint64 { return s.Loads },
		"shared_waits":    func(s cascore.CacheStats) uint64 { return s.SharedWaits },
		"stale_discards":  func(s cascore.CacheStats) uint64 { return s.StaleDiscards },
		"invalidations":   func(s cascore.CacheStats) uint64 { return s.Invalidations },
		"fail_open":       func(s cascore.CacheStats) uint64 { return s.FailOpen },
		"provider_errors": func(s cascore.CacheStats) uint64 { return s.ProviderErrors },
		"self_heals":      func(s cascore.CacheStats) uint64 { return s.SelfHeals },
	}
	for name, get := range gauges {
		get := get
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_" + name + "_total",
			Help:        "Cache " + name + " since start",
			ConstLabels: prometheus.Labels{"cache": cache},
		}, func() float64 { return float64(get(stats())) })
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterProjectorStats exposes projector progress read at scrape time.
func RegisterProjectorStats(reg prometheus.Registerer, namespace string, stats func() cascore.ProjectionLagStats) error {
	cs := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "projection_applied_total", Help: "Events applied to the read model",
		}, func() float64 { return float64(stats().Applied) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "projection_duplicates_total", Help: "Events ignored as already applied",
		}, func() float64 { return float64(stats().Duplicates) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "projection_pending", Help: "Out-of-order events currently buffered",
		}, func() float64 { return float64(stats().Pending) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "projection_oldest_gap_seconds", Help: "Age of the oldest open version gap",
		}, func() float64 { return stats().OldestGap.Seconds() }),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
