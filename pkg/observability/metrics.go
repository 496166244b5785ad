package observability

import (
	"sync"
)

// InMemoryMetricsClient accumulates metrics in process memory. It backs the
// orchestration status report and serves as the default client when no
// external sink is wired.
type InMemoryMetricsClient struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewInMemoryMetricsClient creates a new in-memory metrics client
func NewInMemoryMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// IncrementCounter increments a counter by value
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// IncrementCounterWithLabels increments a labelled counter
func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.IncrementCounter(name+labelSuffix(labels), value)
}

// RecordGauge records a gauge value
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name+labelSuffix(labels)] = value
}

// RecordDuration records a duration in seconds
func (m *InMemoryMetricsClient) RecordDuration(name string, seconds float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name+labelSuffix(labels)+".seconds"] += seconds
}

// Counter returns the current value of a counter
func (m *InMemoryMetricsClient) Counter(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Gauge returns the current value of a gauge
func (m *InMemoryMetricsClient) Gauge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[name]
}

// Close releases resources held by the client
func (m *InMemoryMetricsClient) Close() error { return nil }

func labelSuffix(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	suffix := ""
	for k, v := range labels {
		suffix += "." + k + ":" + v
	}
	return suffix
}
