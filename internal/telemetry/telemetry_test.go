package telemetry

import (
	"testing"
	"time"
)

func TestCounterAccumulates(t *testing.T) {
	c := NewCollector(true)
	c.Counter("requests_total", 1, nil)
	c.Counter("requests_total", 2, nil)
	c.Counter("requests_total", 1, map[string]string{"route": "deploy"})

	snap := c.Snapshot()
	if snap.Counters["requests_total"] != 3 {
		t.Fatalf("expected 3, got %v", snap.Counters["requests_total"])
	}
	if snap.Counters["requests_total{route=deploy}"] != 1 {
		t.Fatalf("labeled counter missing: %+v", snap.Counters)
	}
}

func TestGaugeOverwrites(t *testing.T) {
	c := NewCollector(true)
	c.Gauge("nodes_online", 4, nil)
	c.Gauge("nodes_online", 2, nil)
	if got := c.Snapshot().Gauges["nodes_online"]; got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestDisabledCollectorDropsEverything(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	c.Timer("y", time.Second, nil)
	snap := c.Snapshot()
	if len(snap.Counters) != 0 || len(snap.Samples) != 0 {
		t.Fatalf("disabled collector recorded metrics: %+v", snap)
	}
}

func TestSampleRingBounded(t *testing.T) {
	c := NewCollector(true)
	for i := 0; i < maxSamples+100; i++ {
		c.Histogram("latency", float64(i), nil)
	}
	if n := len(c.Snapshot().Samples); n > maxSamples {
		t.Fatalf("sample ring grew unbounded: %d", n)
	}
}
