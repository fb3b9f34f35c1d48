package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NoopMetrics is a no-operation implementation of the Metrics interface.
type NoopMetrics struct {
}

// NewNoopMetrics creates a new instance of NoopMetrics.
func NewNoopMetrics() Metrics {
	return &NoopMetrics{}
}

// GetRegistry returns a new empty registry.
func (m *NoopMetrics) GetRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func (m *NoopMetrics) ObserveAPIEndpointDuration(handler, method, statusCode string, elapsed float64) {
}

func (m *NoopMetrics) IncrementHTTPRequests() {}

func (m *NoopMetrics) IncrementHTTPErrors() {}

func (m *NoopMetrics) ObserveUpstreamCall(upstream, method, outcome string, elapsed float64) {}

func (m *NoopMetrics) IncrementRejected(upstream string) {}

func (m *NoopMetrics) SetBreakerState(upstream, state string) {}

func (m *NoopMetrics) ObserveFanOut(method string, contributors, unavailable int) {}

func (m *NoopMetrics) SetUpstreams(tenant string, count int) {}
