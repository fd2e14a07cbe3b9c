// Package telemetry collects in-process counters and gauges for the
// coordinator and node daemons and serves them over the admin endpoints.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric is a single recorded measurement.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates metrics in memory. Counters and gauges are keyed by
// name; timers and histograms keep a bounded ring of recent samples.
type Collector struct {
	mu       sync.RWMutex
	enabled  bool
	counters map[string]float64
	gauges   map[string]float64
	samples  []Metric
	started  time.Time
}

const maxSamples = 4096

// NewCollector creates a collector. A disabled collector accepts calls and
// drops everything.
func NewCollector(enabled bool) *Collector {
	return &Collector{
		enabled:  enabled,
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		started:  time.Now(),
	}
}

// Counter adds value to the named counter.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[keyed(name, labels)] += value
}

// Gauge sets the named gauge.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[keyed(name, labels)] = value
}

// Histogram records one sample.
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.record(Metric{Name: name, Type: Histogram, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.record(Metric{
		Name:      name,
		Type:      Timer,
		Value:     float64(duration.Milliseconds()),
		Labels:    labels,
		Timestamp: time.Now(),
		Unit:      "ms",
	})
}

func (c *Collector) record(m Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) >= maxSamples {
		c.samples = c.samples[len(c.samples)-maxSamples/2:]
	}
	c.samples = append(c.samples, m)
}

// Snapshot returns the current metric state for the metrics endpoint.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Counters      map[string]float64 `json:"counters"`
	Gauges        map[string]float64 `json:"gauges"`
	Samples       []Metric           `json:"samples,omitempty"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		UptimeSeconds: time.Since(c.started).Seconds(),
		Counters:      make(map[string]float64, len(c.counters)),
		Gauges:        make(map[string]float64, len(c.gauges)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.gauges {
		snap.Gauges[k] = v
	}
	snap.Samples = append(snap.Samples, c.samples...)
	return snap
}

func keyed(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := name + "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k + "=" + labels[k]
	}
	return out + "}"
}

// Global collector, enabled by default. Binaries call SetEnabled at startup.

var (
	globalMu sync.RWMutex
	global   = NewCollector(true)
)

func SetEnabled(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = NewCollector(enabled)
}

func Default() *Collector {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

func RecordCounter(name string, value float64, labels map[string]string) {
	Default().Counter(name, value, labels)
}

func RecordGauge(name string, value float64, labels map[string]string) {
	Default().Gauge(name, value, labels)
}

func RecordTimer(name string, duration time.Duration, labels map[string]string) {
	Default().Timer(name, duration, labels)
}
