package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	upstream *prometheus.HistogramVec
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vodrelay",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relay requests by response kind (playlist, binary, none) and outcome.",
		}, []string{"kind", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vodrelay",
			Subsystem: "relay",
			Name:      "response_bytes_total",
			Help:      "Body bytes written to clients.",
		}, []string{"kind"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vodrelay",
			Subsystem: "relay",
			Name:      "upstream_header_seconds",
			Help:      "Time until upstream response headers arrived.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"status_class"}),
	}
	reg.MustRegister(m.requests, m.bytes, m.upstream)
	return m
}

func (m *Metrics) request(kind, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) written(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) upstreamLatency(status int, d time.Duration) {
	if m == nil {
		return
	}
	class := "error"
	if status > 0 {
		class = string(rune('0'+status/100)) + "xx"
	}
	m.upstream.WithLabelValues(class).Observe(d.Seconds())
}
