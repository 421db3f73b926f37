package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one aggregated series. Timers keep the running sum in Value
// (milliseconds) and the number of observations in Count.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count,omitempty"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates counters, gauges and timers in memory.
type Collector struct {
	mu      sync.RWMutex
	series  map[string]*Metric
	enabled bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCollector creates a collector. When flushEvery is positive a background
// goroutine logs a snapshot at that interval until Shutdown.
func NewCollector(enabled bool, flushEvery time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		series:  make(map[string]*Metric),
		enabled: enabled,
		ctx:     ctx,
		cancel:  cancel,
	}
	if enabled && flushEvery > 0 {
		go c.periodicFlush(flushEvery)
	}
	return c
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

func (c *Collector) observe(name string, typ MetricType, value float64, labels map[string]string, unit string) {
	if !c.enabled {
		return
	}
	key := seriesKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.series[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: labels, Unit: unit}
		c.series[key] = m
	}
	switch typ {
	case Gauge:
		m.Value = value
	default:
		m.Value += value
	}
	m.Count++
	m.Timestamp = time.Now()
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.observe(name, Counter, value, labels, "")
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.observe(name, Gauge, value, labels, "")
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.observe(name, Timer, float64(duration.Milliseconds()), labels, "ms")
}

// GetMetrics returns a copy of every series sorted by name.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	out := make([]Metric, 0, len(c.series))
	for _, m := range c.series {
		out = append(out, *m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return seriesKey("", out[i].Labels) < seriesKey("", out[j].Labels)
	})
	return out
}

// FlushMetrics logs the current snapshot.
func (c *Collector) FlushMetrics() {
	metrics := c.GetMetrics()
	if len(metrics) == 0 {
		return
	}
	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, metric := range metrics {
		log.Info().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Int64("count", metric.Count).
			Interface("labels", metric.Labels).
			Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.FlushMetrics()
		}
	}
}

// Shutdown stops the periodic flush and logs a final snapshot.
func (c *Collector) Shutdown() {
	c.cancel()
	c.FlushMetrics()
}

var (
	globalMu        sync.RWMutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector
func InitGlobal(enabled bool, flushEvery time.Duration) *Collector {
	c := NewCollector(enabled, flushEvery)
	globalMu.Lock()
	globalCollector = c
	globalMu.Unlock()
	return c
}

// GetGlobal returns the global collector, a disabled one if none was set.
func GetGlobal() *Collector {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, 0)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}
