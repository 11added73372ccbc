package telemetry

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lockstep"

// PrometheusMetrics registers a counter or gauge per key on first use and
// mirrors the latest values so diagnostics can read them without scraping.
type PrometheusMetrics struct {
	registerer prometheus.Registerer

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	values   map[string]uint64
}

// NewPrometheusMetrics returns metrics bound to reg. A nil registerer keeps
// values in memory only.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		registerer: reg,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		values:     make(map[string]uint64),
	}
}

func (m *PrometheusMetrics) Add(key string, delta uint64) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counter, ok := m.counters[key]
	if !ok {
		counter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      metricName(key),
			Help:      "Counter " + key,
		})
		counter = registerCollector(m.registerer, counter)
		m.counters[key] = counter
	}
	counter.Add(float64(delta))
	m.values[key] += delta
}

func (m *PrometheusMetrics) Store(key string, value uint64) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	gauge, ok := m.gauges[key]
	if !ok {
		gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      metricName(key),
			Help:      "Gauge " + key,
		})
		gauge = registerCollector(m.registerer, gauge)
		m.gauges[key] = gauge
	}
	gauge.Set(float64(value))
	m.values[key] = value
}

// Snapshot copies the latest value of every key.
func (m *PrometheusMetrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]uint64, len(m.values))
	for k, v := range m.values {
		copied[k] = v
	}
	return copied
}

func registerCollector[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if reg == nil {
		return collector
	}
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

func metricName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
