// Package telemetry exposes loop, store and compaction health as Prometheus
// metrics, both over HTTP and as a node_exporter textfile.
package telemetry

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
	"github.com/skobkin/gpu-monitor/internal/retention"
	"github.com/skobkin/gpu-monitor/internal/sampler"
	"github.com/skobkin/gpu-monitor/internal/store"
)

const namespace = "gpu_monitor"

// Options configure Metrics.
type Options struct {
	// Latest feeds the per-sample gauges. Optional.
	Latest LatestSource
	// GPU labels the per-sample gauges, e.g. the marketing name.
	GPU string
	// Runtime adds Go runtime and process collectors.
	Runtime bool
	Now     func() time.Time
}

// Metrics implements the sampler and retention recorders.
type Metrics struct {
	registry *prometheus.Registry

	acquisitions    *prometheus.CounterVec
	acquireDuration prometheus.Histogram
	storeWrites     *prometheus.CounterVec
	pending         prometheus.Gauge
	exports         *prometheus.CounterVec
	compactions     *prometheus.CounterVec
	prunedRows      prometheus.Counter
	reclaims        prometheus.Counter
	reclaimDuration prometheus.Histogram
	storeRows       prometheus.Gauge
	storeBytes      prometheus.Gauge
	powerMissing    prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New(opts Options) *Metrics {
	reg := prometheus.NewRegistry()
	register := func(c prometheus.Collector) { reg.MustRegister(c) }

	m := &Metrics{
		registry: reg,
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sampler", Name: "acquisitions_total",
			Help: "nvidia-smi invocations by result.",
		}, []string{"result"}),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sampler", Name: "acquire_duration_seconds",
			Help:    "Time spent running nvidia-smi.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "writes_total",
			Help: "Store write attempts by result.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sampler", Name: "pending_samples",
			Help: "Samples waiting to be written after a failed store attempt.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "exports_total",
			Help: "Snapshot and status publications by result.",
		}, []string{"result"}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "cycles_total",
			Help: "Compaction cycles by result.",
		}, []string{"result"}),
		prunedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "pruned_rows_total",
			Help: "Samples deleted for falling outside the horizon.",
		}),
		reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "reclaims_total",
			Help: "Completed space reclaim passes.",
		}),
		reclaimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "retention", Name: "reclaim_duration_seconds",
			Help:    "Time spent rewriting the store file.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		storeRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "rows",
			Help: "Samples held in the store after the last compaction.",
		}),
		storeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "size_bytes",
			Help: "Store file plus WAL size after the last compaction.",
		}),
		powerMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sampler", Name: "power_unavailable_total",
			Help: "Samples whose power reading was unavailable.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.acquisitions, m.acquireDuration, m.storeWrites, m.pending, m.exports,
		m.compactions, m.prunedRows, m.reclaims, m.reclaimDuration,
		m.storeRows, m.storeBytes, m.powerMissing,
	} {
		register(c)
	}

	if opts.Latest != nil {
		register(NewSampleCollector(opts.Latest, opts.GPU, opts.Now))
	}
	if opts.Runtime {
		register(collectors.NewGoCollector())
		register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister adds collectors owned by other components.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	m.registry.MustRegister(cs...)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return gmerrors.WrapWithContext(gmerrors.ErrCodeExport, "write metrics textfile", err, map[string]any{"path": path})
	}
	return nil
}

// ObserveAcquire implements sampler.Recorder.
func (m *Metrics) ObserveAcquire(elapsed time.Duration, err error) {
	m.acquireDuration.Observe(elapsed.Seconds())
	m.acquisitions.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveStore implements sampler.Recorder.
func (m *Metrics) ObserveStore(err error, pending int) {
	m.storeWrites.WithLabelValues(resultLabel(err)).Inc()
	m.pending.Set(float64(pending))
}

// ObserveExport implements sampler.Recorder.
func (m *Metrics) ObserveExport(err error) {
	m.exports.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveSample implements sampler.Recorder.
func (m *Metrics) ObserveSample(sample sampler.Sample) {
	if !sample.PowerAvailable {
		m.powerMissing.Inc()
	}
}

// ObserveCompaction implements retention.Recorder.
func (m *Metrics) ObserveCompaction(res retention.Result, err error) {
	m.compactions.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return
	}
	m.prunedRows.Add(float64(res.Deleted))
	if res.Reclaimed {
		m.reclaims.Inc()
		m.reclaimDuration.Observe(res.ReclaimDuration.Seconds())
	}
	m.ObserveStoreStats(res.After)
}

// ObserveStoreStats records the store footprint.
func (m *Metrics) ObserveStoreStats(st store.Stats) {
	m.storeRows.Set(float64(st.Rows))
	m.storeBytes.Set(float64(st.TotalBytes()))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case gmerrors.HasCode(err, gmerrors.ErrCodeTimeout):
		return "timeout"
	}
	if code, ok := gmerrors.CodeOf(err); ok {
		return strings.ToLower(string(code))
	}
	return "error"
}

var (
	_ sampler.Recorder   = (*Metrics)(nil)
	_ retention.Recorder = (*Metrics)(nil)
)
