package bridge

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the process's Prometheus collectors, registered once at
// startup.
type metrics struct {
	slotCapacity     prometheus.Gauge
	slotInFlight     prometheus.Gauge
	rankingBufferLen prometheus.Gauge
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	uploadsAccepted  prometheus.Counter
	uploadsRejected  prometheus.Counter
	commandSessions  prometheus.Counter
}

// NewMetrics registers the process's Prometheus collectors against reg
// (nil is valid and registers nothing, for tests).
func NewMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		slotCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matrixbridge_slot_capacity",
			Help: "Capacity of the display's remote upload slot queue, as last learned.",
		}),
		slotInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matrixbridge_slot_in_flight",
			Help: "Slots believed occupied on the display.",
		}),
		rankingBufferLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matrixbridge_ranking_buffer_len",
			Help: "Distinct ImageKeys currently backlogged in the ranking buffer.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixbridge_cache_hits_total",
			Help: "Image cache resolves served from an existing Ready entry.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixbridge_cache_misses_total",
			Help: "Image cache resolves that ended in CacheMiss.",
		}),
		uploadsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixbridge_uploads_accepted_total",
			Help: "Images accepted by the display.",
		}),
		uploadsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixbridge_uploads_rejected_total",
			Help: "Images rejected or failed on upload.",
		}),
		commandSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixbridge_command_sessions_total",
			Help: "Command interface connections accepted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.slotCapacity, m.slotInFlight, m.rankingBufferLen,
			m.cacheHits, m.cacheMisses,
			m.uploadsAccepted, m.uploadsRejected,
			m.commandSessions,
		)
	}
	return m
}
