// Package metrics is a small registry of counters, gauges and histograms
// rendered in the Prometheus text exposition format. Labels are baked into
// the series name with WithLabels, so every label combination is its own
// series of a family.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets suit request and model latencies, in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

type Counter struct{ n atomic.Int64 }

func (c *Counter) Inc()         { c.n.Add(1) }
func (c *Counter) Add(n int64)  { c.n.Add(n) }
func (c *Counter) Value() int64 { return c.n.Load() }

type Gauge struct{ n atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.n.Store(n) }
func (g *Gauge) Inc()         { g.n.Add(1) }
func (g *Gauge) Dec()         { g.n.Add(-1) }
func (g *Gauge) Value() int64 { return g.n.Load() }

// Histogram counts observations per upper bound. Counts are stored per
// bucket and made cumulative when rendered.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64
	sum    float64
	total  uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	slices.Sort(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b))}
}

func (h *Histogram) Observe(v float64) {
	i, _ := slices.BinarySearch(h.bounds, v)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.total++
	if i < len(h.counts) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed from start.
func (h *Histogram) Since(start time.Time) { h.Observe(time.Since(start).Seconds()) }

func (h *Histogram) snapshot() (bounds []float64, counts []uint64, sum float64, total uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bounds, slices.Clone(h.counts), h.sum, h.total
}

// family groups the series sharing a base name.
type family struct {
	kind   kind
	help   string
	series map[string]any
}

// Registry is safe for concurrent use. Families render in registration
// order, series within a family sorted by name.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	order    []string
}

func New() *Registry {
	return &Registry{families: map[string]*family{}}
}

// series returns the metric registered under name, creating it with mk.
// A name reused with another kind gets a fresh, unregistered metric so
// callers never see a type mismatch.
func (r *Registry) series(name, help string, k kind, mk func() any) any {
	base, _ := splitName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[base]
	if !ok {
		f = &family{kind: k, series: map[string]any{}}
		r.families[base] = f
		r.order = append(r.order, base)
	}
	if f.help == "" {
		f.help = help
	}
	if f.kind != k {
		return mk()
	}
	m, ok := f.series[name]
	if !ok {
		m = mk()
		f.series[name] = m
	}
	return m
}

// Counter returns the counter called name, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	return r.series(name, help, kindCounter, func() any { return &Counter{} }).(*Counter)
}

func (r *Registry) Gauge(name, help string) *Gauge {
	return r.series(name, help, kindGauge, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram called name. Nil buckets means
// DefaultBuckets; the buckets of the first call win.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return r.series(name, help, kindHistogram, func() any { return newHistogram(buckets) }).(*Histogram)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// WithLabels appends label pairs to name: WithLabels("q", "k", "v") is
// `q{k="v"}`. An odd number of kvs leaves name unchanged.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	pairs := make([]string, 0, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		pairs = append(pairs, kvs[i]+`="`+labelEscaper.Replace(kvs[i+1])+`"`)
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// splitName separates `base{labels}` into base and the inner label list.
func splitName(name string) (base, labels string) {
	i := strings.IndexByte(name, '{')
	if i < 0 {
		return name, ""
	}
	return name[:i], strings.TrimSuffix(name[i+1:], "}")
}

// Render returns every family in the text exposition format.
func (r *Registry) Render() string {
	var b strings.Builder
	r.WriteTo(&b)
	return b.String()
}

// WriteTo writes every family in the text exposition format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cw := &countingWriter{w: w}
	for _, base := range r.order {
		f := r.families[base]
		if f.help != "" {
			fmt.Fprintf(cw, "# HELP %s %s\n", base, f.help)
		}
		fmt.Fprintf(cw, "# TYPE %s %s\n", base, f.kind)
		names := make([]string, 0, len(f.series))
		for n := range f.series {
			names = append(names, n)
		}
		slices.Sort(names)
		for _, n := range names {
			switch m := f.series[n].(type) {
			case *Counter:
				fmt.Fprintf(cw, "%s %d\n", n, m.Value())
			case *Gauge:
				fmt.Fprintf(cw, "%s %d\n", n, m.Value())
			case *Histogram:
				writeHistogram(cw, base, n, m)
			}
		}
	}
	return cw.n, cw.err
}

func writeHistogram(w io.Writer, base, name string, h *Histogram) {
	_, labels := splitName(name)
	extra, wrapped := "", ""
	if labels != "" {
		extra, wrapped = ","+labels, "{"+labels+"}"
	}
	bounds, counts, sum, total := h.snapshot()
	var cum uint64
	for i, le := range bounds {
		cum += counts[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"%s} %d\n", base, le, extra, cum)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"%s} %d\n", base, extra, total)
	fmt.Fprintf(w, "%s_sum%s %g\n", base, wrapped, sum)
	fmt.Fprintf(w, "%s_count%s %d\n", base, wrapped, total)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

// Handler serves the registry for Prometheus scrapes.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	})
}
