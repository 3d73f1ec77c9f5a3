package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	dmSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshberry",
			Subsystem: "dm",
			Name:      "sent_total",
			Help:      "Direct messages handed to the transport.",
		},
		[]string{"node", "route"},
	)
	dmRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshberry",
			Subsystem: "dm",
			Name:      "retries_total",
			Help:      "Direct message retry attempts.",
		},
		[]string{"node", "route"},
	)
	dmOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshberry",
			Subsystem: "dm",
			Name:      "outcomes_total",
			Help:      "Terminal delivery outcomes.",
		},
		[]string{"node", "delivered"},
	)
	channelRepeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshberry",
			Subsystem: "channel",
			Name:      "repeats_total",
			Help:      "Echoes of our own channel messages heard from the mesh.",
		},
		[]string{"node", "channel"},
	)
	companionFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshberry",
			Subsystem: "companion",
			Name:      "frames_total",
			Help:      "Companion bridge frames by direction.",
		},
		[]string{"node", "direction"},
	)
	offlineRefused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshberry",
			Subsystem: "companion",
			Name:      "offline_refused_total",
			Help:      "Notifications refused because the offline queue was full.",
		},
		[]string{"node"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshberry",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests on the status server.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshberry",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			dmSent, dmRetries, dmOutcomes,
			channelRepeats, companionFrames, offlineRefused,
			httpRequests, httpDuration,
		)
	})
}

func RecordDMSent(node, route string) {
	RegisterMetrics()
	dmSent.WithLabelValues(node, route).Inc()
}

func RecordDMRetry(node, route string) {
	RegisterMetrics()
	dmRetries.WithLabelValues(node, route).Inc()
}

func RecordDMOutcome(node string, delivered bool) {
	RegisterMetrics()
	dmOutcomes.WithLabelValues(node, strconv.FormatBool(delivered)).Inc()
}

func RecordChannelRepeat(node string, channel int) {
	RegisterMetrics()
	channelRepeats.WithLabelValues(node, strconv.Itoa(channel)).Inc()
}

func RecordCompanionFrame(node, direction string) {
	RegisterMetrics()
	companionFrames.WithLabelValues(node, direction).Inc()
}

func RecordOfflineRefused(node string) {
	RegisterMetrics()
	offlineRefused.WithLabelValues(node).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
