package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons.
const (
	dropMalformed    = "malformed"
	dropConnectionID = "connection_id"
	dropNonIPv4      = "non_ipv4"
	dropBusy         = "shutdown"
)

// Error response reasons.
const (
	errReasonBlacklisted = "blacklisted"
	errReasonValidation  = "validation"
	errReasonStore       = "store"
)

// Metrics contains all Prometheus metrics of the tracker.
type Metrics struct {
	// UDP packet metrics
	Packets        *prometheus.CounterVec
	Drops          *prometheus.CounterVec
	ErrorResponses *prometheus.CounterVec
	InFlight       prometheus.Gauge
	HandleDuration *prometheus.HistogramVec

	// Swarm metrics
	Announces     *prometheus.CounterVec
	PeersReturned prometheus.Histogram
	PeersReaped   prometheus.Counter
}

// NewMetrics creates the tracker metrics and registers them on reg.
// A nil reg creates unregistered collectors, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Packets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_packets_received_total",
			Help: "Total number of UDP packets received, by action",
		}, []string{"action"}),
		Drops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_packets_dropped_total",
			Help: "Total number of UDP packets dropped without a response, by reason",
		}, []string{"reason"}),
		ErrorResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_error_responses_total",
			Help: "Total number of error responses sent, by reason",
		}, []string{"reason"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_requests_in_flight",
			Help: "Current number of datagrams being handled",
		}),
		HandleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_handle_duration_seconds",
			Help:    "Time spent handling a datagram, by action",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
		}, []string{"action"}),

		Announces: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_announces_total",
			Help: "Total number of accepted announces, by event",
		}, []string{"event"}),
		PeersReturned: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_announce_peers_returned",
			Help:    "Number of peers returned per announce",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 200},
		}),
		PeersReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracker_peers_reaped_total",
			Help: "Total number of stale peers removed by the reaper",
		}),
	}
}

func (m *Metrics) RecordPacket(action Action, duration time.Duration) {
	m.Packets.WithLabelValues(action.String()).Inc()
	m.HandleDuration.WithLabelValues(action.String()).Observe(duration.Seconds())
}

func (m *Metrics) RecordDrop(reason string) {
	m.Drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordErrorResponse(reason string) {
	m.ErrorResponses.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAnnounce(event Event, peers int) {
	m.Announces.WithLabelValues(event.String()).Inc()
	m.PeersReturned.Observe(float64(peers))
}
