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

// Send results recorded in SendsTotal.
const (
	SendResultSent        = "sent"
	SendResultDryRun      = "dry_run"
	SendResultRateLimited = "rate_limited"
	SendResultFailed      = "failed"
)

// Scheduled task outcomes recorded in TasksFinished.
const (
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
	TaskFailed    = "failed"
)

var (
	once sync.Once

	// Counters
	InboundEvents  *prometheus.CounterVec // in_scope=true|false
	SendsTotal     *prometheus.CounterVec // feature, result
	FeatureFaults  *prometheus.CounterVec // feature
	TasksScheduled prometheus.Counter
	TasksFinished  *prometheus.CounterVec // outcome

	// Histograms (seconds)
	DispatchDuration prometheus.Observer
	SendDuration     prometheus.Observer

	// Gauges
	LiveTasksGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_inbound_events_total", Help: "Inbound chat events observed"}, []string{"in_scope"})
		SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_sends_total", Help: "Outgoing command attempts by feature and result"}, []string{"feature", "result"})
		FeatureFaults = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_feature_faults_total", Help: "Feature handler errors or panics caught by the dispatcher"}, []string{"feature"})
		TasksScheduled = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_scheduled_tasks_total", Help: "Delayed tasks registered with the scheduler"})
		TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_scheduled_tasks_finished_total", Help: "Delayed tasks reaching a terminal state"}, []string{"outcome"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_dispatch_duration_seconds", Help: "Time spent dispatching one inbound event", Buckets: prometheus.DefBuckets})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_send_duration_seconds", Help: "Transport send latency seconds", Buckets: prometheus.DefBuckets})
		LiveTasksGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_live_tasks", Help: "Scheduler tasks currently pending or running"})
	})
}

// RecordSend counts one send attempt. Safe before Init.
func RecordSend(feature, result string) {
	if SendsTotal != nil {
		SendsTotal.WithLabelValues(feature, result).Inc()
	}
}

// RecordFeatureFault counts one recovered feature fault.
func RecordFeatureFault(feature string) {
	if FeatureFaults != nil {
		FeatureFaults.WithLabelValues(feature).Inc()
	}
}

// RecordInbound counts one inbound event.
func RecordInbound(inScope bool) {
	if InboundEvents == nil {
		return
	}
	if inScope {
		InboundEvents.WithLabelValues("true").Inc()
	} else {
		InboundEvents.WithLabelValues("false").Inc()
	}
}

// RecordTaskScheduled counts a registration and updates the live gauge.
func RecordTaskScheduled(live int) {
	if TasksScheduled != nil {
		TasksScheduled.Inc()
	}
	SetLiveTasks(live)
}

// RecordTaskFinished counts a terminal task outcome.
func RecordTaskFinished(outcome string) {
	if TasksFinished != nil {
		TasksFinished.WithLabelValues(outcome).Inc()
	}
}

// SetLiveTasks records the current live task count.
func SetLiveTasks(n int) {
	if LiveTasksGauge != nil {
		LiveTasksGauge.Set(float64(n))
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

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
