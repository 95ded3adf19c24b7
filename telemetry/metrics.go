// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
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
	WatchTicks          prometheus.Counter
	SessionsStarted     *prometheus.CounterVec
	SessionsEnded       *prometheus.CounterVec
	FetchFailures       *prometheus.CounterVec
	NotifyFailures      *prometheus.CounterVec
	CommitFailures      *prometheus.CounterVec
	UnknownStateReports *prometheus.CounterVec

	// Histograms (seconds)
	TickDuration     prometheus.Observer
	PlatformDuration *prometheus.HistogramVec

	// Gauges
	TrackedCreatorsGauge *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WatchTicks = promauto.NewCounter(prometheus.CounterOpts{Name: "watch_ticks_total", Help: "Number of completed scheduler ticks"})
		SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watch_sessions_started_total", Help: "Number of started-session notifications committed"}, []string{"platform"})
		SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watch_sessions_ended_total", Help: "Number of ended-session notifications committed"}, []string{"platform"})
		FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watch_fetch_failures_total", Help: "Number of platform fetches that failed or returned no data"}, []string{"platform"})
		NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watch_notify_failures_total", Help: "Number of notification deliveries that failed"}, []string{"platform"})
		CommitFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watch_commit_failures_total", Help: "Number of ledger commits that failed"}, []string{"platform"})
		UnknownStateReports = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watch_unknown_state_total", Help: "Number of sessions observed in an unrecognized state"}, []string{"platform"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "watch_tick_duration_seconds", Help: "Full tick duration across all platforms", Buckets: prometheus.DefBuckets})
		PlatformDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "watch_platform_duration_seconds", Help: "Per-platform reconcile pass duration", Buckets: prometheus.DefBuckets}, []string{"platform"})
		TrackedCreatorsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "watch_tracked_creators", Help: "Creators currently present in the tracked index"}, []string{"platform"})
	})
}

// SetTrackedCreators records the current tracked-index size for a platform.
func SetTrackedCreators(platform string, n int) {
	if TrackedCreatorsGauge != nil {
		TrackedCreatorsGauge.WithLabelValues(platform).Set(float64(n))
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
