// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SyncRuns           prometheus.Counter
	SyncErrors         prometheus.Counter
	CharactersCreated  prometheus.Counter
	CharactersUpdated  prometheus.Counter
	ResponderTicks     prometheus.Counter
	RepliesSent        prometheus.Counter
	ReplyFailures      prometheus.Counter
	PresenceReconnects prometheus.Counter

	// Histograms (seconds)
	SyncDuration  prometheus.Observer
	ReplyDuration prometheus.Observer

	// Gauges
	PresenceOnlineGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SyncRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_sync_runs_total", Help: "Number of character sync runs"})
		SyncErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_sync_errors_total", Help: "Number of per-character sync errors"})
		CharactersCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_characters_created_total", Help: "Number of registry applications created by sync"})
		CharactersUpdated = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_characters_updated_total", Help: "Number of registry applications updated by sync"})
		ResponderTicks = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_responder_ticks_total", Help: "Number of responder poll ticks"})
		RepliesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_replies_sent_total", Help: "Number of replies posted to channels"})
		ReplyFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_reply_failures_total", Help: "Number of reply generation failures"})
		PresenceReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_presence_reconnects_total", Help: "Number of presence socket reconnect attempts"})
		SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bridge_sync_duration_seconds", Help: "Sync run duration seconds", Buckets: prometheus.DefBuckets})
		ReplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bridge_reply_duration_seconds", Help: "Reply generation duration seconds", Buckets: prometheus.DefBuckets})
		PresenceOnlineGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_presence_online", Help: "Current number of characters with an online presence socket"})
	})
}

// Inc bumps a counter if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetPresenceOnline records the current count of online presence sockets.
func SetPresenceOnline(n int) {
	if PresenceOnlineGauge != nil {
		PresenceOnlineGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
