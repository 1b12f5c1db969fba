package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/gpu-monitor/internal/sampler"
)

// LatestSource exposes the newest sanitized sample.
type LatestSource interface {
	Latest() (sampler.Sample, bool)
}

type sampleCollector struct {
	source  LatestSource
	now     func() time.Time
	metrics []sampleMetric
}

type sampleMetric struct {
	desc    *prometheus.Desc
	extract func(sample sampler.Sample) (float64, bool)
}

// NewSampleCollector exports the newest sample as gauges. gpuName, when set,
// becomes a constant "gpu" label. Power is omitted while unavailable.
func NewSampleCollector(source LatestSource, gpuName string, now func() time.Time) prometheus.Collector {
	if now == nil {
		now = time.Now
	}
	var labels prometheus.Labels
	if gpuName != "" {
		labels = prometheus.Labels{"gpu": gpuName}
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "gpu", name), help, nil, labels)
	}
	always := func(f func(sampler.Sample) float64) func(sampler.Sample) (float64, bool) {
		return func(s sampler.Sample) (float64, bool) { return f(s), true }
	}

	c := &sampleCollector{source: source, now: now}
	c.metrics = []sampleMetric{
		{
			desc:    desc("temperature_celsius", "GPU core temperature of the latest sample."),
			extract: always(func(s sampler.Sample) float64 { return s.Temperature }),
		},
		{
			desc:    desc("utilization_percent", "GPU utilization of the latest sample."),
			extract: always(func(s sampler.Sample) float64 { return s.Utilization }),
		},
		{
			desc:    desc("memory_used_mebibytes", "GPU memory in use for the latest sample."),
			extract: always(func(s sampler.Sample) float64 { return s.Memory }),
		},
		{
			desc: desc("power_watts", "GPU power draw of the latest sample. Absent when the sensor reported no value."),
			extract: func(s sampler.Sample) (float64, bool) {
				if p := s.PowerWatts(); p != nil {
					return *p, true
				}
				return 0, false
			},
		},
		{
			desc:    desc("sample_timestamp_seconds", "Unix timestamp of the latest sample."),
			extract: always(func(s sampler.Sample) float64 { return float64(s.Epoch) }),
		},
		{
			desc: desc("sample_age_seconds", "Seconds elapsed since the latest sample was taken."),
			extract: func(s sampler.Sample) (float64, bool) {
				return max(c.now().Sub(s.Time()).Seconds(), 0), true
			},
		},
	}
	return c
}

func (c *sampleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *sampleCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	sample, ok := c.source.Latest()
	if !ok {
		return
	}
	for _, metric := range c.metrics {
		value, ok := metric.extract(sample)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value)
	}
}
