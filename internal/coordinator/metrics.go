package coordinator

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for Begin results.
const (
	resultStarted        = "started"
	resultAlreadyRunning = "already_running"
	resultStartFailed    = "start_failed"

	outcomeAbandoned = "abandoned"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vesper_cycles_total",
			Help: "Total number of Begin calls by track and result.",
		},
		[]string{"track", "result"},
	)

	finalizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vesper_cycle_finalizations_total",
			Help: "Total number of finalized cycles by track, finalizer and outcome.",
		},
		[]string{"track", "reason", "outcome"},
	)

	activeEngines = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vesper_active_engines",
			Help: "Number of engines currently held by each track.",
		},
		[]string{"track"},
	)

	engineStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vesper_engine_start_seconds",
			Help:    "Time taken by the launcher to start an engine, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"track"},
	)

	relayDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vesper_relay_dropped_total",
			Help: "Total number of payloads dropped because the destination track was idle.",
		},
		[]string{"track"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(finalizationsTotal)
	prometheus.MustRegister(activeEngines)
	prometheus.MustRegister(engineStartDuration)
	prometheus.MustRegister(relayDroppedTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup.
	for _, track := range []string{"foreground", "background"} {
		activeEngines.WithLabelValues(track)
		relayDroppedTotal.WithLabelValues(track)
		for _, result := range []string{resultStarted, resultAlreadyRunning, resultStartFailed} {
			cyclesTotal.WithLabelValues(track, result)
		}
	}
}
