package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ikrelay"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	syncFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "sync_frames_total",
			Help:      "Serialized sync updates by mode.",
		},
		[]string{"mode"},
	)
	syncBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "sync_bytes_total",
			Help:      "Serialized sync payload bytes by mode.",
		},
		[]string{"mode"},
	)
	decodeDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "decode_drops_total",
			Help:      "Inbound sync updates dropped as malformed.",
		},
		[]string{"reason"},
	)
	hookSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "hook_suppressed_total",
			Help:      "Field writes dropped while the field's change hook was running.",
		},
		[]string{"field"},
	)
	hookFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "hook_failures_total",
			Help:      "Change hooks that returned an error or panicked.",
		},
		[]string{"field"},
	)
	curlUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fingers",
			Name:      "curl_updates_total",
			Help:      "Finger curl inputs by outcome.",
		},
		[]string{"outcome"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "player",
			Name:      "commands_total",
			Help:      "Authority commands by outcome.",
		},
		[]string{"command", "outcome"},
	)
	relayFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "frames_total",
			Help:      "Frames handled by the relay hub.",
		},
		[]string{"message", "route"},
	)
	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "rate_limited_total",
			Help:      "Frames dropped by a rate limiter.",
		},
		[]string{"scope"},
	)
	hubPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "peers",
			Help:      "Connected peers.",
		},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "tick_duration_seconds",
			Help:      "Session tick duration in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			syncFrames, syncBytes, decodeDrops, hookSuppressed, hookFailures,
			curlUpdates, commands,
			relayFrames, rateLimited, hubPeers,
			tickDuration,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSyncEncoded(mode string, bytes int) {
	RegisterMetrics()
	syncFrames.WithLabelValues(mode).Inc()
	syncBytes.WithLabelValues(mode).Add(float64(bytes))
}

func RecordDecodeDrop(reason string) {
	RegisterMetrics()
	decodeDrops.WithLabelValues(reason).Inc()
}

func RecordHookSuppressed(field string) {
	RegisterMetrics()
	hookSuppressed.WithLabelValues(field).Inc()
}

func RecordHookFailure(field string) {
	RegisterMetrics()
	hookFailures.WithLabelValues(field).Inc()
}

func RecordCurlUpdate(outcome string) {
	RegisterMetrics()
	curlUpdates.WithLabelValues(outcome).Inc()
}

func RecordCommand(command, outcome string) {
	RegisterMetrics()
	commands.WithLabelValues(command, outcome).Inc()
}

func RecordRelay(message, route string) {
	RegisterMetrics()
	relayFrames.WithLabelValues(message, route).Inc()
}

func RecordRateLimited(scope string) {
	RegisterMetrics()
	rateLimited.WithLabelValues(scope).Inc()
}

func SetHubPeers(n int) {
	RegisterMetrics()
	hubPeers.Set(float64(n))
}

func ObserveTick(d time.Duration) {
	RegisterMetrics()
	tickDuration.Observe(d.Seconds())
}
