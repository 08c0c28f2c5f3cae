package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the pay402 collectors on reg. A nil reg
// uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) (Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pay402",
			Name:      "events_total",
			Help:      "pay402 event counters",
		},
		[]string{"type", "outcome"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pay402",
			Name:      "latency_seconds",
			Help:      "pay402 operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	for _, c := range []prometheus.Collector{counters, histogram} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
	}, nil
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":    name,
		"outcome": labels["outcome"],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"outcome":   labels["outcome"],
	}).Observe(d.Seconds())
}
