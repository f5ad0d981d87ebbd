// Package metrics exposes the Prometheus collectors the gateway and
// scanner publish to.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups everything the provider increments. Register it
// once at startup with a prometheus.Registerer.
type Collectors struct {
	BucketWaits    *prometheus.CounterVec
	BackoffEvents  *prometheus.CounterVec
	PoolSeen       *prometheus.GaugeVec
	PoolErrors     *prometheus.CounterVec
}

// New constructs a Collectors with the standard metric names.
func New() *Collectors {
	return &Collectors{
		BucketWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "gateway",
			Name:      "bucket_waits_total",
			Help:      "Number of times a cloud call waited for a rate-limit token.",
		}, []string{"bucket"}),
		BackoffEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "gateway",
			Name:      "backoff_events_total",
			Help:      "Number of retried cloud calls, by HTTP status class.",
		}, []string{"class"}),
		PoolSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "scanner",
			Name:      "pool_seen_capacity",
			Help:      "Sum of capacity of healthy workers seen in the last scan pass, by pool.",
		}, []string{"worker_pool_id"}),
		PoolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "scanner",
			Name:      "pool_errors_total",
			Help:      "Errors reported to a pool during a scan pass, by kind.",
		}, []string{"worker_pool_id", "kind"}),
	}
}

// MustRegister registers all collectors, panicking on duplicate
// registration (startup-time only, mirrors the teacher's fail-fast
// config validation style).
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.BucketWaits, c.BackoffEvents, c.PoolSeen, c.PoolErrors)
}
