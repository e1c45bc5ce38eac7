package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udpctl",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"worker", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "udpctl",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"worker", "method", "path", "status"},
	)
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udpctl",
			Subsystem: "udp",
			Name:      "packets_received_total",
			Help:      "Datagrams read off the socket.",
		},
		[]string{"worker"},
	)
	bytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udpctl",
			Subsystem: "udp",
			Name:      "bytes_received_total",
			Help:      "Payload bytes read off the socket.",
		},
		[]string{"worker"},
	)
	receiveErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udpctl",
			Subsystem: "udp",
			Name:      "receive_errors_total",
			Help:      "Transient receive failures.",
		},
		[]string{"worker"},
	)
	sendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udpctl",
			Subsystem: "udp",
			Name:      "send_errors_total",
			Help:      "Failed or short datagram sends observed at the task boundary.",
		},
		[]string{"worker"},
	)
	packetsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udpctl",
			Subsystem: "task",
			Name:      "handled_total",
			Help:      "Handler tasks finished, by result.",
		},
		[]string{"worker", "result"},
	)
	handleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "udpctl",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Handler task duration in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"worker", "result"},
	)
	tasksInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "udpctl",
			Subsystem: "task",
			Name:      "inflight",
			Help:      "Handler tasks currently running.",
		},
		[]string{"worker"},
	)
	hookCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udpctl",
			Subsystem: "hook",
			Name:      "calls_total",
			Help:      "Lifecycle hook invocations, by hook and result.",
		},
		[]string{"hook", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			packetsReceived,
			bytesReceived,
			receiveErrors,
			sendErrors,
			packetsHandled,
			handleDuration,
			tasksInflight,
			hookCalls,
		)
	})
}

func RecordHTTPRequest(worker, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(worker, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(worker, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPacketReceived(worker string, size int) {
	RegisterMetrics()
	packetsReceived.WithLabelValues(worker).Inc()
	bytesReceived.WithLabelValues(worker).Add(float64(size))
}

func RecordReceiveError(worker string) {
	RegisterMetrics()
	receiveErrors.WithLabelValues(worker).Inc()
}

func RecordSendError(worker string) {
	RegisterMetrics()
	sendErrors.WithLabelValues(worker).Inc()
}

func RecordTaskStarted(worker string) {
	RegisterMetrics()
	tasksInflight.WithLabelValues(worker).Inc()
}

func RecordTaskFinished(worker string, success bool, duration time.Duration) {
	RegisterMetrics()
	result := ResultSuccess
	if !success {
		result = ResultError
	}
	tasksInflight.WithLabelValues(worker).Dec()
	packetsHandled.WithLabelValues(worker, result).Inc()
	handleDuration.WithLabelValues(worker, result).Observe(duration.Seconds())
}

func RecordHookCall(hook string, success bool) {
	RegisterMetrics()
	result := ResultSuccess
	if !success {
		result = ResultError
	}
	hookCalls.WithLabelValues(hook, result).Inc()
}
