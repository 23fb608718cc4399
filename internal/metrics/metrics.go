// Package metrics provides Prometheus-compatible metrics for annotd.
//
// The registry is hand-rolled: counters, gauges and histograms with an
// HTTP handler that renders the Prometheus text exposition format. The
// daemon exposes it on an optional listener next to /healthz.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// metric is anything the registry can expose. Each implementation
// writes its own HELP/TYPE header and sample lines.
type metric interface {
	metricName() string
	expose(w io.Writer)
}

// Counter only goes up.
type Counter struct {
	name  string
	help  string
	value atomic.Uint64
}

func (c *Counter) Inc()          { c.value.Add(1) }
func (c *Counter) Add(v uint64)  { c.value.Add(v) }
func (c *Counter) Value() uint64 { return c.value.Load() }

func (c *Counter) metricName() string { return c.name }

func (c *Counter) expose(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
		c.name, c.help, c.name, c.name, c.Value())
}

// Gauge moves in both directions.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Add(v int64)  { g.value.Add(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) metricName() string { return g.name }

func (g *Gauge) expose(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n",
		g.name, g.help, g.name, g.name, g.Value())
}

// DurationBuckets are the bounds used for duration histograms, in
// seconds.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Histogram tracks a distribution. Observations are binned into the
// first bucket whose upper bound is not below the value; cumulative le
// counts are computed at exposition time.
type Histogram struct {
	name   string
	help   string
	bounds []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	total  uint64
}

func newHistogram(name, help string, bounds []float64) *Histogram {
	if bounds == nil {
		bounds = DurationBuckets
	}
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	return &Histogram{
		name:   name,
		help:   help,
		bounds: sorted,
		counts: make([]uint64, len(sorted)+1),
	}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.total++
	h.counts[sort.SearchFloat64s(h.bounds, v)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Timer starts timing; Stop records the elapsed duration.
func (h *Histogram) Timer() *HistogramTimer {
	return &HistogramTimer{h: h, start: time.Now()}
}

// Count returns how many values were observed.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Sum returns the running total of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *Histogram) metricName() string { return h.name }

func (h *Histogram) expose(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	var cum uint64
	for i, b := range h.bounds {
		cum += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cum)
	}
	cum += h.counts[len(h.bounds)]
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cum)
	fmt.Fprintf(w, "%s_sum %f\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.total)
}

// HistogramTimer measures one operation.
type HistogramTimer struct {
	h     *Histogram
	start time.Time
}

// Stop records the elapsed time and returns it.
func (t *HistogramTimer) Stop() time.Duration {
	d := time.Since(t.start)
	t.h.ObserveDuration(d)
	return d
}

// Registry holds metrics in registration order. All of annotd's
// metrics register once at startup, so the exposition order is stable
// without sorting on every scrape.
type Registry struct {
	namespace string

	mu     sync.RWMutex
	list   []metric
	byName map[string]metric
}

// NewRegistry creates a registry. The namespace prefixes every metric
// name, separated by an underscore.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace: namespace,
		byName:    make(map[string]metric),
	}
}

func (r *Registry) qualify(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// register adds m unless the name is taken, in which case the existing
// metric wins so repeated registration is harmless.
func (r *Registry) register(m metric) metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exist, ok := r.byName[m.metricName()]; ok {
		return exist
	}
	r.byName[m.metricName()] = m
	r.list = append(r.list, m)
	return m
}

// RegisterCounter adds (or returns the existing) counter.
func (r *Registry) RegisterCounter(name, help string) *Counter {
	c := &Counter{name: r.qualify(name), help: help}
	return r.register(c).(*Counter)
}

// RegisterGauge adds (or returns the existing) gauge.
func (r *Registry) RegisterGauge(name, help string) *Gauge {
	g := &Gauge{name: r.qualify(name), help: help}
	return r.register(g).(*Gauge)
}

// RegisterHistogram adds (or returns the existing) histogram. A nil
// bounds slice gets DurationBuckets.
func (r *Registry) RegisterHistogram(name, help string, bounds []float64) *Histogram {
	h := newHistogram(r.qualify(name), help, bounds)
	return r.register(h).(*Histogram)
}

// WritePrometheus renders every metric in the text exposition format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.list {
		m.expose(w)
	}
	return nil
}

// Handler serves the registry over HTTP.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
