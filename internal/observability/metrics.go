package observability

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remotesource"

// Metrics holds the collectors of one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	samples     *prometheus.CounterVec
	delegated   *prometheus.CounterVec
	progress    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "invocations_total",
				Help:      "Data source invocations by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "invocation_duration_seconds",
				Help:      "Data source invocation duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"method"},
		),
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "read",
				Name:      "samples_total",
				Help:      "Samples produced by reads, by data type and status.",
			},
			[]string{"data_type", "status"},
		),
		delegated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "read",
				Name:      "delegated_total",
				Help:      "Delegated reads by resolution target and outcome.",
			},
			[]string{"target", "outcome"},
		),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "read",
			Name:      "progress_ratio",
			Help:      "Last progress fraction reported by the read in flight.",
		}),
	}
	m.registry.MustRegister(m.invocations, m.duration, m.samples, m.delegated, m.progress)
	return m
}

// Gatherer exposes the private registry for scraping or inspection.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) RecordInvocation(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(method, outcome(err)).Inc()
	m.duration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) RecordSamples(dataType string, valid, invalid int) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(dataType, "valid").Add(float64(valid))
	m.samples.WithLabelValues(dataType, "invalid").Add(float64(invalid))
}

func (m *Metrics) RecordDelegated(target string, err error) {
	if m == nil {
		return
	}
	m.delegated.WithLabelValues(target, outcome(err)).Inc()
}

func (m *Metrics) SetProgress(v float64) {
	if m == nil {
		return
	}
	m.progress.Set(v)
}

// Summary flattens counters into "name{labels}" -> value for a session log line.
func (m *Metrics) Summary() map[string]float64 {
	out := map[string]float64{}
	if m == nil {
		return out
	}
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			key := fam.GetName()
			if len(labels) > 0 {
				key += "{" + joinLabels(labels) + "}"
			}
			out[key] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func joinLabels(labels []string) string {
	s := labels[0]
	for _, l := range labels[1:] {
		s += "," + l
	}
	return s
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
