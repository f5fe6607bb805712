// Package metrics holds the Prometheus collectors of the computation client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lazyvm"

// Label values of CacheLookups.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Label values of TransferredBytes.
const (
	ToServer   = "to_server"
	FromServer = "from_server"
)

type Metrics struct {
	Compilations      prometheus.Counter
	IdentityShortcuts prometheus.Counter
	Executions        prometheus.Counter
	CacheLookups      *prometheus.CounterVec
	TransferredBytes  *prometheus.CounterVec
	CompileSeconds    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests and embedded clients usually want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Compilations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compilations_total",
			Help:      "The total number of computations compiled to an executable",
		}),
		IdentityShortcuts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_shortcuts_total",
			Help:      "The total number of computations recognized as the identity function",
		}),
		Executions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "The total number of computation executions",
		}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executable_cache_lookups_total",
			Help:      "Executable cache lookups by result",
		}, []string{"result"}),
		TransferredBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transferred_bytes_total",
			Help:      "Bytes copied between host and devices",
		}, []string{"direction"}),
		CompileSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Time spent optimizing and lowering computations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}
