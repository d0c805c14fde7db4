// Package metrics provides a lightweight collector that renders the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns or creates the counter for name and labels.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates the gauge for name and labels.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram for name and labels.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// Handler renders all metrics in Prometheus text format, sorted by series.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

// Render returns the exposition text.
func (c *MetricsCollector) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP whatsbot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE whatsbot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "whatsbot_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	counters := sortedValues[*Counter](&c.counters)
	helpWritten := make(map[string]bool)
	for _, ctr := range counters {
		if !helpWritten[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			helpWritten[ctr.name] = true
		}
		writeSample(&sb, ctr.name, ctr.labels, fmt.Sprintf("%d", ctr.Value()))
	}

	gauges := sortedValues[*Gauge](&c.gauges)
	helpWritten = make(map[string]bool)
	for _, g := range gauges {
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
			helpWritten[g.name] = true
		}
		writeSample(&sb, g.name, g.labels, fmt.Sprintf("%d", g.Value()))
	}

	for _, h := range sortedValues[*Histogram](&c.histograms) {
		h.mu.Lock()
		fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
		fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			if math.IsInf(b.le, 1) {
				continue
			}
			fmt.Fprintf(&sb, "%sle=\"%g\"} %d\n", prefix, b.le, b.count)
		}
		fmt.Fprintf(&sb, "%sle=\"+Inf\"} %d\n", prefix, h.count)
		writeSample(&sb, h.name+"_count", h.labels, fmt.Sprintf("%d", h.count))
		writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		h.mu.Unlock()
	}

	return sb.String()
}

func writeSample(sb *strings.Builder, name, labels, value string) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
		return
	}
	fmt.Fprintf(sb, "%s %s\n", name, value)
}

func sortedValues[T any](m *sync.Map) []T {
	type entry struct {
		key string
		val T
	}
	var entries []entry
	m.Range(func(k, v any) bool {
		entries = append(entries, entry{key: k.(string), val: v.(T)})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.val
	}
	return out
}
