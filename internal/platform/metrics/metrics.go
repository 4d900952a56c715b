// Package metrics keeps in-process counters, gauges and histograms and
// exposes them in the Prometheus text format. It covers what the intake
// service reports and nothing more: no summaries, no float counters, no
// exemplars.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// DurationBuckets are histogram boundaries in seconds suited to HTTP
// requests and MLLP round trips.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	raw := append([]int64(nil), h.bucketCounts...)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

type series struct {
	values []string
	n      int64
	hist   *histogram
}

type family struct {
	name    string
	help    string
	kind    kind
	labels  []string
	buckets []float64

	mu     sync.RWMutex
	series map[string]*series
}

func (f *family) get(values []string) *series {
	if len(values) != len(f.labels) {
		panic(fmt.Sprintf("metrics: %s takes %d label values, got %d", f.name, len(f.labels), len(values)))
	}
	key := strings.Join(values, "\xff")

	f.mu.RLock()
	s, ok := f.series[key]
	f.mu.RUnlock()
	if ok {
		return s
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok = f.series[key]; !ok {
		s = &series{values: append([]string(nil), values...)}
		if f.kind == kindHistogram {
			s.hist = newHistogram(f.buckets)
		}
		f.series[key] = s
	}
	return s
}

func (f *family) lookup(values []string) (*series, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.series[strings.Join(values, "\xff")]
	return s, ok
}

// Registry owns metric families and renders them.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family)}
}

func (r *Registry) register(name, help string, k kind, buckets []float64, labels []string) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		if f.kind != k || len(f.labels) != len(labels) {
			panic(fmt.Sprintf("metrics: %s re-registered with a different shape", name))
		}
		return f
	}
	f := &family{
		name:    name,
		help:    help,
		kind:    k,
		labels:  labels,
		buckets: buckets,
		series:  make(map[string]*series),
	}
	r.families[name] = f
	return f
}

// Counter is a monotonically increasing count per label set.
type Counter struct{ f *family }

// NewCounter registers a counter. Registering the same name twice returns
// the existing family.
func (r *Registry) NewCounter(name, help string, labels ...string) *Counter {
	return &Counter{f: r.register(name, help, kindCounter, nil, labels)}
}

func (c *Counter) Inc(values ...string) { c.Add(1, values...) }

func (c *Counter) Add(delta int64, values ...string) {
	if delta < 0 {
		return
	}
	atomic.AddInt64(&c.f.get(values).n, delta)
}

// Value returns the current count, 0 if the label set was never used.
func (c *Counter) Value(values ...string) int64 {
	if s, ok := c.f.lookup(values); ok {
		return atomic.LoadInt64(&s.n)
	}
	return 0
}

// Gauge is a value that can go up and down.
type Gauge struct{ f *family }

func (r *Registry) NewGauge(name, help string, labels ...string) *Gauge {
	return &Gauge{f: r.register(name, help, kindGauge, nil, labels)}
}

func (g *Gauge) Set(v int64, values ...string) { atomic.StoreInt64(&g.f.get(values).n, v) }

func (g *Gauge) Add(delta int64, values ...string) { atomic.AddInt64(&g.f.get(values).n, delta) }

func (g *Gauge) Value(values ...string) int64 {
	if s, ok := g.f.lookup(values); ok {
		return atomic.LoadInt64(&s.n)
	}
	return 0
}

// Histogram counts observations into fixed buckets.
type Histogram struct{ f *family }

// NewHistogram registers a histogram. buckets must be sorted ascending.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labels ...string) *Histogram {
	return &Histogram{f: r.register(name, help, kindHistogram, buckets, labels)}
}

func (h *Histogram) Observe(v float64, values ...string) { h.f.get(values).hist.observe(v) }

// Count returns the number of observations for a label set.
func (h *Histogram) Count(values ...string) int64 {
	if s, ok := h.f.lookup(values); ok {
		return atomic.LoadInt64(&s.hist.count)
	}
	return 0
}

// Sum returns the sum of observations for a label set.
func (h *Histogram) Sum(values ...string) float64 {
	if s, ok := h.f.lookup(values); ok {
		return math.Float64frombits(atomic.LoadUint64(&s.hist.sum))
	}
	return 0
}

// WriteTo renders every family in the Prometheus text exposition format,
// sorted by name and label values so output is stable.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	fams := make([]*family, 0, len(r.families))
	for _, f := range r.families {
		fams = append(fams, f)
	}
	r.mu.RUnlock()
	sort.Slice(fams, func(i, j int) bool { return fams[i].name < fams[j].name })

	var b strings.Builder
	for _, f := range fams {
		fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", f.name, f.kind)

		f.mu.RLock()
		all := make([]*series, 0, len(f.series))
		for _, s := range f.series {
			all = append(all, s)
		}
		f.mu.RUnlock()
		sort.Slice(all, func(i, j int) bool {
			return strings.Join(all[i].values, "\xff") < strings.Join(all[j].values, "\xff")
		})

		for _, s := range all {
			labels := formatLabels(f.labels, s.values)
			if f.kind != kindHistogram {
				fmt.Fprintf(&b, "%s%s %d\n", f.name, wrap(labels), atomic.LoadInt64(&s.n))
				continue
			}
			writeHistogram(&b, f.name, labels, f.buckets, s.hist)
		}
	}

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func writeHistogram(b *strings.Builder, name, labels string, buckets []float64, h *histogram) {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	cum := h.cumulative()
	total := atomic.LoadInt64(&h.count)
	for i, le := range buckets {
		fmt.Fprintf(b, "%s_bucket{%sle=%q} %d\n", name, prefix, strconv.FormatFloat(le, 'g', -1, 64), cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, wrap(labels), math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count%s %d\n", name, wrap(labels), total)
}

func formatLabels(names, values []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%q", n, values[i])
	}
	return strings.Join(parts, ",")
}

func wrap(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

// Handler serves the registry at /metrics.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
		c.Response().WriteHeader(http.StatusOK)
		_, err := r.WriteTo(c.Response())
		return err
	}
}

// HTTPMiddleware records request counts, latency and in-flight requests.
// Routes are labeled by their registered pattern, not the raw path, so ids
// do not explode the series count.
func HTTPMiddleware(r *Registry) echo.MiddlewareFunc {
	requests := r.NewCounter("http_server_requests_total", "HTTP requests by method, route and status.", "method", "route", "status_code")
	duration := r.NewHistogram("http_server_request_duration_seconds", "HTTP request latency.", DurationBuckets, "method", "route")
	active := r.NewGauge("http_server_active_requests", "HTTP requests in flight.")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			active.Add(1)
			defer active.Add(-1)

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}

			method := c.Request().Method
			requests.Inc(method, route, strconv.Itoa(status))
			duration.Observe(time.Since(start).Seconds(), method, route)
			return err
		}
	}
}
