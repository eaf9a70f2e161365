package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	scanRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avdb",
			Subsystem: "scan",
			Name:      "runs_total",
			Help:      "Number of scans by result (ok, failed).",
		}, []string{"result"},
	)
	scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "avdb",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Wall time of a whole scan, snapshot to commit.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avdb",
			Subsystem: "probe",
			Name:      "total",
			Help:      "Number of probes by outcome (reply, unreachable).",
		}, []string{"outcome"},
	)
	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "avdb",
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Round trip time of a single probe.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	probesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "avdb",
			Subsystem: "probe",
			Name:      "in_flight",
			Help:      "Probes currently awaiting a reply.",
		},
	)
	nodeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avdb",
			Subsystem: "node",
			Name:      "transitions_total",
			Help:      "Node liveness transitions by target state.",
		}, []string{"to"},
	)
	versionsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "avdb",
			Subsystem: "node",
			Name:      "versions_recorded_total",
			Help:      "Version observations appended to the history.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{scanRuns, scanDuration, probes, probeDuration, probesInFlight, nodeTransitions, versionsRecorded}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// WriteTextfile writes the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ProbeStarted() {
	if regOK.Load() {
		probesInFlight.Inc()
	}
}

func ProbeFinished(ok bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	probesInFlight.Dec()
	outcome := "unreachable"
	if ok {
		outcome = "reply"
	}
	probes.WithLabelValues(outcome).Inc()
	probeDuration.Observe(seconds)
}

func RecordTransition(to string) {
	if regOK.Load() {
		nodeTransitions.WithLabelValues(to).Inc()
	}
}

func IncVersionRecorded() {
	if regOK.Load() {
		versionsRecorded.Inc()
	}
}

func ObserveScan(ok bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	scanRuns.WithLabelValues(result).Inc()
	scanDuration.Observe(seconds)
}
