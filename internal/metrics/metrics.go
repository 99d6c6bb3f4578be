// Package metrics provides Prometheus metrics for the sync core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds every Prometheus collector the sync engine and its
// supporting components report through, grouped the way the teacher
// groups request/storage/auth metrics by concern rather than by one flat
// namespace.
type Recorder struct {
	CyclesTotal          *prometheus.CounterVec
	CycleDuration        *prometheus.HistogramVec
	DecodeCommitFailures *prometheus.CounterVec
	DecodeFilterFailures *prometheus.CounterVec
	AuthDenied           *prometheus.CounterVec
	FilterBits           *prometheus.GaugeVec
	ValuesSent           *prometheus.CounterVec
	ValuesReceived       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Recorder with all collectors registered against a fresh
// Prometheus registry.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_cycles_total",
			Help: "Total number of completed sync cycles, by peer and outcome",
		},
		[]string{"peer", "outcome"},
	)

	r.CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_cycle_duration_seconds",
			Help:    "Sync cycle duration in seconds, by peer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	r.DecodeCommitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_decode_commit_failures_total",
			Help: "Total number of commits skipped during decode, by peer",
		},
		[]string{"peer"},
	)

	r.DecodeFilterFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_decode_filter_failures_total",
			Help: "Total number of sync messages abandoned due to a corrupt filter, by peer",
		},
		[]string{"peer"},
	)

	r.AuthDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_auth_denied_total",
			Help: "Total number of commits withheld by an auth rule, by repo and operation",
		},
		[]string{"repo", "op"},
	)

	r.FilterBits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_filter_bits",
			Help: "Bit length of the most recently built local bloom filter, by repo",
		},
		[]string{"repo"},
	)

	r.ValuesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_values_sent_total",
			Help: "Total number of commit values sent to a peer, by peer",
		},
		[]string{"peer"},
	)

	r.ValuesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_values_received_total",
			Help: "Total number of commit values received from a peer and persisted, by peer",
		},
		[]string{"peer"},
	)

	r.registry.MustRegister(
		r.CyclesTotal,
		r.CycleDuration,
		r.DecodeCommitFailures,
		r.DecodeFilterFailures,
		r.AuthDenied,
		r.FilterBits,
		r.ValuesSent,
		r.ValuesReceived,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return r
}

// Handler returns an HTTP handler exposing the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordCycle records one completed cycle's outcome and duration.
func (r *Recorder) RecordCycle(peer, outcome string, d time.Duration) {
	r.CyclesTotal.WithLabelValues(peer, outcome).Inc()
	r.CycleDuration.WithLabelValues(peer).Observe(d.Seconds())
}

// IncDecodeCommitFailure records one skipped commit during decode.
func (r *Recorder) IncDecodeCommitFailure(peer string) {
	r.DecodeCommitFailures.WithLabelValues(peer).Inc()
}

// IncDecodeFilterFailure records one abandoned cycle due to a corrupt filter.
func (r *Recorder) IncDecodeFilterFailure(peer string) {
	r.DecodeFilterFailures.WithLabelValues(peer).Inc()
}

// IncAuthDenied records one commit withheld by an auth rule.
func (r *Recorder) IncAuthDenied(repo, op string) {
	r.AuthDenied.WithLabelValues(repo, op).Inc()
}

// SetFilterBits records the bit length of the most recently built filter.
func (r *Recorder) SetFilterBits(repo string, bits float64) {
	r.FilterBits.WithLabelValues(repo).Set(bits)
}

// AddValuesSent records commits sent to a peer.
func (r *Recorder) AddValuesSent(peer string, n int) {
	r.ValuesSent.WithLabelValues(peer).Add(float64(n))
}

// AddValuesReceived records commits received from a peer.
func (r *Recorder) AddValuesReceived(peer string, n int) {
	r.ValuesReceived.WithLabelValues(peer).Add(float64(n))
}
