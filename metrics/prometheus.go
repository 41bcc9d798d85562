package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement waits for a receipt, so latencies reach tens of seconds.
var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// PrometheusRecorder exports x402_payment_events_total and
// x402_facilitator_duration_seconds.
type PrometheusRecorder struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the collectors on reg. A nil reg uses the
// default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PrometheusRecorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "payment",
			Name:      "events_total",
			Help:      "Verification and settlement outcomes by network.",
		}, []string{"event", LabelNetwork}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Subsystem: "facilitator",
			Name:      "duration_seconds",
			Help:      "Time spent in facilitator verify and settle calls.",
			Buckets:   latencyBuckets,
		}, []string{"operation", LabelNetwork}),
	}

	for _, c := range []prometheus.Collector{r.events, r.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	r.events.WithLabelValues(name, labels[LabelNetwork]).Inc()
}

func (r *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	r.duration.WithLabelValues(name, labels[LabelNetwork]).Observe(d.Seconds())
}
