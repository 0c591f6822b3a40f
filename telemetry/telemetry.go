// Package telemetry provides simple, production-ready metrics emission.
// Level 1 functions (Counter, Histogram, Gauge, Duration) cover almost all
// use cases; Emit is the underlying primitive. Metrics are dropped silently
// until Initialize is called, so library code can emit unconditionally.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Module label values used across the codebase for metric attribution.
const (
	ModuleProvider     = "provider"
	ModuleConversation = "conversation"
	ModuleDetection    = "detection"
	ModuleOrchestrator = "orchestrator"
	ModuleResilience   = "resilience"
)

var (
	// globalRegistry holds the singleton Registry instance.
	// atomic.Value gives lock-free reads on the hot path (metric emission).
	globalRegistry atomic.Value // *Registry

	initOnce sync.Once
)

// Registry manages metric instruments backed by an OpenTelemetry meter.
type Registry struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	mu         sync.RWMutex

	emitted atomic.Int64
	errors  atomic.Int64
}

// Initialize activates the telemetry system. Safe to call multiple times;
// only the first call takes effect. The exporter pipeline is owned by the
// embedding process via the global otel MeterProvider.
func Initialize(meterName string) {
	initOnce.Do(func() {
		r := &Registry{
			meter:      otel.Meter(meterName),
			counters:   make(map[string]metric.Int64Counter),
			histograms: make(map[string]metric.Float64Histogram),
		}
		globalRegistry.Store(r)
	})
}

// Counter increments a counter metric by 1.
// Labels are provided as key-value pairs.
// Example: Counter("provider.requests", "provider", "claude", "status", "ok")
func Counter(name string, labels ...string) {
	r := registry()
	if r == nil {
		return
	}
	r.addCounter(name, 1, labels...)
}

// Histogram records a value in a distribution.
// Example: Histogram("provider.request.duration_ms", 125.3, "provider", "openai")
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Gauge records a current-value metric. Gauges are recorded as histograms
// internally; the backend derives the latest value.
func Gauge(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
func Duration(name string, startTime time.Time, labels ...string) {
	Emit(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// Emit records a raw value for the named metric.
func Emit(name string, value float64, labels ...string) {
	r := registry()
	if r == nil {
		return
	}
	r.record(name, value, labels...)
}

// Stats reports telemetry-internal counters for diagnostics.
func Stats() (emitted, errors int64) {
	r := registry()
	if r == nil {
		return 0, 0
	}
	return r.emitted.Load(), r.errors.Load()
}

func registry() *Registry {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	return v.(*Registry)
}

func (r *Registry) addCounter(name string, value int64, labels ...string) {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if c, ok = r.counters[name]; !ok {
			var err error
			c, err = r.meter.Int64Counter(name)
			if err != nil {
				r.mu.Unlock()
				r.errors.Add(1)
				return
			}
			r.counters[name] = c
		}
		r.mu.Unlock()
	}
	c.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
	r.emitted.Add(1)
}

func (r *Registry) record(name string, value float64, labels ...string) {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if h, ok = r.histograms[name]; !ok {
			var err error
			h, err = r.meter.Float64Histogram(name)
			if err != nil {
				r.mu.Unlock()
				r.errors.Add(1)
				return
			}
			r.histograms[name] = h
		}
		r.mu.Unlock()
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
	r.emitted.Add(1)
}

// toAttributes converts alternating key-value pairs into otel attributes.
// A trailing key without a value is dropped.
func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
