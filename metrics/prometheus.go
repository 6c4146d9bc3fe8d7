package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type promRecorder struct {
	decisions    *prometheus.CounterVec
	verification *prometheus.HistogramVec
	cacheSize    prometheus.Gauge
}

// NewPrometheus builds a Recorder registered against reg. Passing nil uses
// the default registerer.
func NewPrometheus(reg prometheus.Registerer) Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &promRecorder{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402gate",
			Name:      "access_decisions_total",
			Help:      "Access decisions by chain, outcome and error code.",
		}, []string{"chain", "decision", "code"}),
		verification: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402gate",
			Name:      "verification_duration_seconds",
			Help:      "Chain verification latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "success"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "x402gate",
			Name:      "nonce_cache_entries",
			Help:      "Live entries in the nonce cache.",
		}),
	}
	reg.MustRegister(r.decisions, r.verification, r.cacheSize)
	return r
}

func (r *promRecorder) AccessDecision(chain, decision, code string) {
	r.decisions.WithLabelValues(chain, decision, code).Inc()
}

func (r *promRecorder) VerificationDuration(chain string, d time.Duration, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	r.verification.WithLabelValues(chain, label).Observe(d.Seconds())
}

func (r *promRecorder) NonceCacheSize(n int) {
	r.cacheSize.Set(float64(n))
}
