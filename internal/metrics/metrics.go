// Package metrics holds the engine's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Unit kinds used as label values.
const (
	KindScript = "script"
	KindNative = "native"
)

// Call outcomes used as label values.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_calls_total",
			Help: "Total number of offloaded calls by unit kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offload_call_duration_seconds",
			Help:    "Duration from unit spawn to settlement, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	liveUnits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offload_live_units",
			Help: "Number of execution units currently alive.",
		},
		[]string{"kind"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_code_cache_lookups_total",
			Help: "Code cache lookups by result.",
		},
		[]string{"result"},
	)

	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offload_code_cache_evictions_total",
			Help: "Generated code references evicted from the code cache.",
		},
	)

	dependencyLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_dependency_loads_total",
			Help: "Dependency script resolutions by source.",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(liveUnits)
	prometheus.MustRegister(cacheLookups)
	prometheus.MustRegister(cacheEvictions)
	prometheus.MustRegister(dependencyLoads)

	for _, kind := range []string{KindScript, KindNative} {
		for _, outcome := range []string{OutcomeSuccess, OutcomeError, OutcomeTimeout, OutcomeCancelled, OutcomeRejected} {
			callsTotal.WithLabelValues(kind, outcome)
		}
		liveUnits.WithLabelValues(kind)
	}
	cacheLookups.WithLabelValues("hit")
	cacheLookups.WithLabelValues("miss")
}

// CallSettled records one settled call.
func CallSettled(kind, outcome string, elapsed time.Duration) {
	callsTotal.WithLabelValues(kind, outcome).Inc()
	if elapsed > 0 {
		callDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// UnitStarted and UnitStopped track live units.
func UnitStarted(kind string) { liveUnits.WithLabelValues(kind).Inc() }

func UnitStopped(kind string) { liveUnits.WithLabelValues(kind).Dec() }

// CacheLookup records a code cache lookup.
func CacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// CacheEvicted records an eviction.
func CacheEvicted() { cacheEvictions.Inc() }

// DependencyLoaded records where a dependency was resolved from:
// "memory", "store", "network" or "file".
func DependencyLoaded(source string) { dependencyLoads.WithLabelValues(source).Inc() }
