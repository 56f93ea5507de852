package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter serves metrics in Prometheus exposition format at the
// /metrics HTTP endpoint. It bridges a Registry's dynamically-named
// counters/gauges/histograms, plus any registered CustomCollector, into
// github.com/prometheus/client_golang's prometheus.Registry, and serves them
// with the ecosystem-standard promhttp.Handler rather than a hand-rolled
// text formatter.

// PrometheusConfig configures the Prometheus exporter.
type PrometheusConfig struct {
	// Namespace is an optional prefix prepended to all metric names
	// (e.g. "discv5" produces "discv5_session_established").
	Namespace string
	// EnableRuntime controls whether Go runtime metrics (goroutines,
	// memory, GC) are included in the output, via prometheus's own
	// collectors.NewGoCollector.
	EnableRuntime bool
	// Path is the HTTP path to serve metrics on (default "/metrics").
	Path string
}

// DefaultPrometheusConfig returns a config with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace:     "discv5",
		EnableRuntime: true,
		Path:          "/metrics",
	}
}

// CustomCollector is an interface for registering arbitrary metric producers
// that are called during each scrape, for metrics that don't fit the
// Registry's counter/gauge/histogram shapes.
type CustomCollector interface {
	// Collect returns a set of metric lines. Each entry becomes one
	// constant gauge metric in the scrape.
	Collect() []MetricLine
}

// MetricLine represents a single metric data point with optional labels.
type MetricLine struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// PrometheusExporter formats and serves metrics over HTTP.
type PrometheusExporter struct {
	mu         sync.RWMutex
	config     PrometheusConfig
	registry   *Registry
	collectors map[string]CustomCollector

	promReg *prometheus.Registry
}

// NewPrometheusExporter creates a new exporter that reads from the given
// Registry and registers itself with a fresh prometheus.Registry.
func NewPrometheusExporter(registry *Registry, config PrometheusConfig) *PrometheusExporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	pe := &PrometheusExporter{
		config:     config,
		registry:   registry,
		collectors: make(map[string]CustomCollector),
		promReg:    prometheus.NewRegistry(),
	}
	pe.promReg.MustRegister(pe)
	if config.EnableRuntime {
		pe.promReg.MustRegister(prometheus.NewGoCollector())
		pe.promReg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
	return pe
}

// RegisterCollector adds a named custom collector. If a collector with the
// same name exists, it is replaced.
func (pe *PrometheusExporter) RegisterCollector(name string, c CustomCollector) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.collectors[name] = c
}

// UnregisterCollector removes a previously registered custom collector.
func (pe *PrometheusExporter) UnregisterCollector(name string) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	delete(pe.collectors, name)
}

// Handler returns an http.Handler serving the scrape endpoint via the
// ecosystem-standard promhttp.Handler, wired to this exporter's own
// prometheus.Registry.
func (pe *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(pe.config.Path, promhttp.HandlerFor(pe.promReg, promhttp.HandlerOpts{}))
	return mux
}

// Describe implements prometheus.Collector. The Registry's metric set is
// dynamic — names appear at runtime as call sites first touch them — so no
// fixed descriptor set can be advertised up front; intentionally left empty,
// which tells the client library to treat this as an unchecked collector and
// accept whatever descriptors Collect emits.
func (pe *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector: it snapshots the Registry's
// counters/gauges/histograms plus any registered CustomCollector and emits
// them as constant metrics.
func (pe *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	pe.registry.mu.RLock()
	for name, c := range pe.registry.counters {
		desc := pe.desc(name, "")
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(c.Value()))
	}
	for name, g := range pe.registry.gauges {
		desc := pe.desc(name, "")
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(g.Value()))
	}
	for name, h := range pe.registry.histograms {
		desc := pe.desc(name, "_count")
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(h.Count()))
		ch <- prometheus.MustNewConstMetric(pe.desc(name, "_sum"), prometheus.GaugeValue, h.Sum())
		if h.Count() > 0 {
			ch <- prometheus.MustNewConstMetric(pe.desc(name, "_min"), prometheus.GaugeValue, h.Min())
			ch <- prometheus.MustNewConstMetric(pe.desc(name, "_max"), prometheus.GaugeValue, h.Max())
			ch <- prometheus.MustNewConstMetric(pe.desc(name, "_mean"), prometheus.GaugeValue, h.Mean())
		}
	}
	pe.registry.mu.RUnlock()

	pe.mu.RLock()
	collectors := make(map[string]CustomCollector, len(pe.collectors))
	for k, v := range pe.collectors {
		collectors[k] = v
	}
	pe.mu.RUnlock()

	for _, c := range collectors {
		for _, line := range c.Collect() {
			labelNames := make([]string, 0, len(line.Labels))
			labelValues := make([]string, 0, len(line.Labels))
			for k, v := range line.Labels {
				labelNames = append(labelNames, k)
				labelValues = append(labelValues, v)
			}
			desc := prometheus.NewDesc(pe.promName(line.Name), line.Name, labelNames, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, line.Value, labelValues...)
		}
	}
}

func (pe *PrometheusExporter) desc(name, suffix string) *prometheus.Desc {
	return prometheus.NewDesc(pe.promName(name)+suffix, name+suffix, nil, nil)
}

// promName converts a dot-separated metric name to Prometheus format: dots
// and dashes become underscores, and the namespace prefix is prepended.
func (pe *PrometheusExporter) promName(name string) string {
	sanitized := strings.ReplaceAll(name, ".", "_")
	sanitized = strings.ReplaceAll(sanitized, "-", "_")
	if pe.config.Namespace != "" {
		return pe.config.Namespace + "_" + sanitized
	}
	return sanitized
}

