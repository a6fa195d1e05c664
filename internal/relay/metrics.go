package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	mainCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vesper_main_calls_total",
			Help: "Main channel method calls by method and result.",
		},
		[]string{"method", "result"},
	)

	engineCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vesper_engine_calls_total",
			Help: "Engine channel method calls by track, method and result.",
		},
		[]string{"track", "method", "result"},
	)

	eventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vesper_events_published_total",
			Help: "Events published to main channel subscribers.",
		},
	)

	eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vesper_events_dropped_total",
			Help: "Event deliveries dropped for slow subscribers.",
		},
	)
)

const (
	resultOK    = "ok"
	resultError = "error"
)

func init() {
	prometheus.MustRegister(mainCallsTotal)
	prometheus.MustRegister(engineCallsTotal)
	prometheus.MustRegister(eventsPublishedTotal)
	prometheus.MustRegister(eventsDroppedTotal)
}

func callResult(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}
