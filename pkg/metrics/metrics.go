// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	MetricsNamespace         = "mcpgateway"
	MetricsSubsystemHTTP     = "http"
	MetricsSubsystemAPI      = "api"
	MetricsSubsystemUpstream = "upstream"
	MetricsSubsystemBreaker  = "breaker"
	MetricsSubsystemFanOut   = "fanout"

	MetricsVersionLabel = "version"

	OutcomeSuccess = "success"
)

type Metrics interface {
	GetRegistry() *prometheus.Registry

	ObserveAPIEndpointDuration(handler, method, statusCode string, elapsed float64)

	IncrementHTTPRequests()
	IncrementHTTPErrors()

	// ObserveUpstreamCall records one completed upstream attempt. outcome is
	// OutcomeSuccess or an error kind.
	ObserveUpstreamCall(upstream, method, outcome string, elapsed float64)
	IncrementRejected(upstream string)
	SetBreakerState(upstream, state string)
	ObserveFanOut(method string, contributors, unavailable int)
	SetUpstreams(tenant string, count int)
}

type InstanceInfo struct {
	Version string
}

// metrics used to instrument the gateway in prometheus.
type metrics struct {
	registry *prometheus.Registry

	startTime prometheus.Gauge
	info      prometheus.Gauge

	apiTime *prometheus.HistogramVec

	httpRequestsTotal prometheus.Counter
	httpErrorsTotal   prometheus.Counter

	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	rejectedTotal    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	fanOutTotal      *prometheus.CounterVec
	fanOutMissing    *prometheus.CounterVec
	upstreams        *prometheus.GaugeVec
}

var breakerStates = []string{"closed", "open", "half_open"}

// NewMetrics creates a collector set on a fresh registry.
func NewMetrics(info InstanceInfo) Metrics {
	m := &metrics{}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: MetricsNamespace,
	}))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "start_timestamp_seconds",
		Help:      "The time the gateway started.",
	})
	m.startTime.SetToCurrentTime()
	m.registry.MustRegister(m.startTime)

	m.info = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   MetricsNamespace,
		Name:        "info",
		Help:        "The gateway version.",
		ConstLabels: map[string]string{MetricsVersionLabel: info.Version},
	})
	m.info.Set(1)
	m.registry.MustRegister(m.info)

	m.apiTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystemAPI,
			Name:      "time_seconds",
			Help:      "Time to answer a client JSON-RPC request.",
		},
		[]string{"handler", "method", "status_code"},
	)
	m.registry.MustRegister(m.apiTime)

	m.httpRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemHTTP,
		Name:      "requests_total",
		Help:      "The total number of client HTTP requests.",
	})
	m.registry.MustRegister(m.httpRequestsTotal)

	m.httpErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemHTTP,
		Name:      "errors_total",
		Help:      "The total number of client requests answered with an error.",
	})
	m.registry.MustRegister(m.httpErrorsTotal)

	m.upstreamCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemUpstream,
		Name:      "calls_total",
		Help:      "Completed upstream attempts by outcome.",
	}, []string{"upstream", "method", "outcome"})
	m.registry.MustRegister(m.upstreamCalls)

	m.upstreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemUpstream,
		Name:      "call_duration_seconds",
		Help:      "Latency of completed upstream attempts.",
	}, []string{"upstream", "method"})
	m.registry.MustRegister(m.upstreamDuration)

	m.rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemBreaker,
		Name:      "rejected_total",
		Help:      "Calls rejected by an open circuit breaker.",
	}, []string{"upstream"})
	m.registry.MustRegister(m.rejectedTotal)

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemBreaker,
		Name:      "state",
		Help:      "1 for the breaker's current state, 0 for the others.",
	}, []string{"upstream", "state"})
	m.registry.MustRegister(m.breakerState)

	m.fanOutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemFanOut,
		Name:      "total",
		Help:      "Completed fan-out requests.",
	}, []string{"method"})
	m.registry.MustRegister(m.fanOutTotal)

	m.fanOutMissing = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemFanOut,
		Name:      "unavailable_total",
		Help:      "Upstreams that did not contribute to a fan-out.",
	}, []string{"method"})
	m.registry.MustRegister(m.fanOutMissing)

	m.upstreams = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemUpstream,
		Name:      "configured",
		Help:      "Routable upstreams per tenant.",
	}, []string{"tenant"})
	m.registry.MustRegister(m.upstreams)

	return m
}

func (m *metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *metrics) ObserveAPIEndpointDuration(handler, method, statusCode string, elapsed float64) {
	if m != nil {
		m.apiTime.With(prometheus.Labels{"handler": handler, "method": method, "status_code": statusCode}).Observe(elapsed)
	}
}

func (m *metrics) IncrementHTTPRequests() {
	if m != nil {
		m.httpRequestsTotal.Inc()
	}
}

func (m *metrics) IncrementHTTPErrors() {
	if m != nil {
		m.httpErrorsTotal.Inc()
	}
}

func (m *metrics) ObserveUpstreamCall(upstream, method, outcome string, elapsed float64) {
	if m != nil {
		m.upstreamCalls.With(prometheus.Labels{"upstream": upstream, "method": method, "outcome": outcome}).Inc()
		m.upstreamDuration.With(prometheus.Labels{"upstream": upstream, "method": method}).Observe(elapsed)
	}
}

func (m *metrics) IncrementRejected(upstream string) {
	if m != nil {
		m.rejectedTotal.With(prometheus.Labels{"upstream": upstream}).Inc()
	}
}

func (m *metrics) SetBreakerState(upstream, state string) {
	if m == nil {
		return
	}
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.breakerState.With(prometheus.Labels{"upstream": upstream, "state": s}).Set(v)
	}
}

func (m *metrics) ObserveFanOut(method string, contributors, unavailable int) {
	if m != nil {
		m.fanOutTotal.With(prometheus.Labels{"method": method}).Inc()
		m.fanOutMissing.With(prometheus.Labels{"method": method}).Add(float64(unavailable))
	}
}

func (m *metrics) SetUpstreams(tenant string, count int) {
	if m != nil {
		m.upstreams.With(prometheus.Labels{"tenant": tenant}).Set(float64(count))
	}
}
