package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "formlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	proxyState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "formlink",
			Subsystem: "proxy",
			Name:      "state",
			Help:      "Form manager client connection state (1 for the current state).",
		},
		[]string{"service", "state"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "proxy",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after service death by result.",
		},
		[]string{"service", "result"},
	)
	recoveryRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "proxy",
			Name:      "recovery_rejections_total",
			Help:      "Calls rejected without reaching the service because of recovery.",
		},
		[]string{"service", "op"},
	)
	registryRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "formlink",
			Subsystem: "callers",
			Name:      "records",
			Help:      "Caller records currently held per registry.",
		},
		[]string{"registry"},
	)
	registryEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "callers",
			Name:      "evictions_total",
			Help:      "Caller records evicted after remote death.",
		},
		[]string{"registry"},
	)
	serviceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "service",
			Name:      "requests_total",
			Help:      "Form service wire requests by op and result code.",
		},
		[]string{"op", "code"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			proxyState,
			reconnectAttempts,
			recoveryRejections,
			registryRecords,
			registryEvictions,
			serviceRequests,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// SetProxyState marks current as the only active state for service.
func SetProxyState(service string, states []string, current string) {
	RegisterMetrics()
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		proxyState.WithLabelValues(service, s).Set(v)
	}
}

func RecordReconnectAttempt(service string, success bool) {
	RegisterMetrics()
	result := "failure"
	if success {
		result = "success"
	}
	reconnectAttempts.WithLabelValues(service, result).Inc()
}

func RecordRecoveryRejection(service, op string) {
	RegisterMetrics()
	recoveryRejections.WithLabelValues(service, op).Inc()
}

func SetRegistryRecords(registry string, n int) {
	RegisterMetrics()
	registryRecords.WithLabelValues(registry).Set(float64(n))
}

func RecordEvictions(registry string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	registryEvictions.WithLabelValues(registry).Add(float64(n))
}

func RecordServiceRequest(op string, code int) {
	RegisterMetrics()
	serviceRequests.WithLabelValues(op, strconv.Itoa(code)).Inc()
}
