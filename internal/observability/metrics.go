package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type coreMetrics struct {
	queueSize     *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	dispatchTotal *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	webhookTotal    *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec

	tickDuration   prometheus.Histogram
	tickSkipped    prometheus.Counter
	claimsTotal    *prometheus.CounterVec
	staleRecovered prometheus.Counter

	guardFailures *prometheus.CounterVec
	guardDisabled *prometheus.GaugeVec

	credentialLookups *prometheus.CounterVec
	mintErrors        *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *coreMetrics
	registry    *prometheus.Registry
)

func getMetrics() *coreMetrics {
	metricsOnce.Do(func() {
		m := &coreMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "courier_queue_size",
					Help: "Current queued messages by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_enqueue_total",
					Help: "Total enqueue operations by lane and mode.",
				},
				[]string{"lane", "mode"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_dispatch_total",
					Help: "Total runner dispatches by lane and status.",
				},
				[]string{"lane", "status"},
			),
			droppedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_dropped_total",
					Help: "Total queue messages dropped by reason.",
				},
				[]string{"reason"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "courier_run_duration_seconds",
					Help:    "Agent run duration by lane.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
				[]string{"lane"},
			),
			webhookTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_webhook_requests_total",
					Help: "Total webhook requests by channel and outcome.",
				},
				[]string{"channel", "outcome"},
			),
			webhookDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "courier_webhook_duration_seconds",
					Help:    "Webhook handling duration by channel.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"channel"},
			),
			tickDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "courier_tick_duration_seconds",
					Help:    "Scheduler tick duration.",
					Buckets: prometheus.DefBuckets,
				},
			),
			tickSkipped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "courier_tick_skipped_total",
					Help: "Ticks skipped because the previous tick was still running.",
				},
			),
			claimsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_claims_total",
					Help: "Scheduled item claim attempts by result.",
				},
				[]string{"result"},
			),
			staleRecovered: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "courier_stale_recovered_total",
					Help: "Scheduled items recovered from stale firing state.",
				},
			),
			guardFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_guard_failures_total",
					Help: "Crash guard failures recorded by plugin.",
				},
				[]string{"plugin"},
			),
			guardDisabled: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "courier_guard_disabled",
					Help: "Whether a plugin is currently disabled by the crash guard.",
				},
				[]string{"plugin"},
			),
			credentialLookups: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_credential_lookups_total",
					Help: "Credential lookups by source (mint or cache).",
				},
				[]string{"source"},
			),
			mintErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_credential_mint_errors_total",
					Help: "Credential mint failures by HTTP status.",
				},
				[]string{"status"},
			),
		}

		registry = prometheus.NewRegistry()
		registry.MustRegister(
			m.queueSize, m.enqueueTotal, m.dispatchTotal, m.droppedTotal,
			m.runDuration, m.webhookTotal, m.webhookDuration,
			m.tickDuration, m.tickSkipped, m.claimsTotal, m.staleRecovered,
			m.guardFailures, m.guardDisabled,
			m.credentialLookups, m.mintErrors,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Call once from component
// constructors so the /metrics endpoint is complete before traffic.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns an http.Handler serving the courier metric registry.
func Handler() http.Handler {
	getMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetQueueSize sets the queued message gauge for a lane.
func SetQueueSize(lane string, size int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(size))
}

// RecordEnqueue records an enqueue into a lane.
func RecordEnqueue(lane, mode string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane, mode).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordDispatch records a completed runner dispatch.
func RecordDispatch(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "ok"
	if !success {
		status = "error"
	}
	m.dispatchTotal.WithLabelValues(lane, status).Inc()
	m.runDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordDrop records a dropped queue message.
func RecordDrop(reason string) {
	getMetrics().droppedTotal.WithLabelValues(reason).Inc()
}

// RecordWebhook records an inbound webhook request.
func RecordWebhook(channel, outcome string, duration time.Duration) {
	m := getMetrics()
	m.webhookTotal.WithLabelValues(channel, outcome).Inc()
	m.webhookDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordTick records a completed scheduler tick.
func RecordTick(duration time.Duration) {
	getMetrics().tickDuration.Observe(duration.Seconds())
}

// RecordTickSkipped records a tick skipped by the reentrancy guard.
func RecordTickSkipped() {
	getMetrics().tickSkipped.Inc()
}

// RecordClaim records a scheduled item claim attempt.
func RecordClaim(won bool) {
	result := "won"
	if !won {
		result = "lost"
	}
	getMetrics().claimsTotal.WithLabelValues(result).Inc()
}

// RecordStaleRecovered records scheduled items reset from stale firing.
func RecordStaleRecovered(count int) {
	getMetrics().staleRecovered.Add(float64(count))
}

// RecordGuardFailure records a crash guard failure for a plugin.
func RecordGuardFailure(pluginID string) {
	getMetrics().guardFailures.WithLabelValues(pluginID).Inc()
}

// SetGuardDisabled sets a plugin's containment state.
func SetGuardDisabled(pluginID string, disabled bool) {
	v := 0.0
	if disabled {
		v = 1.0
	}
	getMetrics().guardDisabled.WithLabelValues(pluginID).Set(v)
}

// RecordCredentialLookup records a credential resolution by source.
func RecordCredentialLookup(source string) {
	getMetrics().credentialLookups.WithLabelValues(source).Inc()
}

// RecordMintError records a credential mint failure.
func RecordMintError(status string) {
	getMetrics().mintErrors.WithLabelValues(status).Inc()
}
