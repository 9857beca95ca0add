package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamAttempts tracks upstream attempts per credential and outcome
	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_upstream_attempts_total",
			Help: "Total number of upstream call attempts",
		},
		[]string{"credential", "operation", "outcome"},
	)

	// UpstreamLatency tracks upstream call latency
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keypool_upstream_latency_seconds",
			Help:    "Upstream call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"credential", "operation"},
	)

	// CredentialState exposes one gauge per credential and state (1 = current state)
	CredentialState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_credential_state",
			Help: "Current credential state (1 for the active label)",
		},
		[]string{"credential", "state"},
	)

	// PoolExhausted counts requests that ran out of credentials
	PoolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_pool_exhausted_total",
			Help: "Total number of requests that exhausted the credential pool",
		},
		[]string{"operation"},
	)

	// RequestsTotal tracks finished requests by path and terminal state
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_requests_total",
			Help: "Total number of finished requests",
		},
		[]string{"path", "state"},
	)

	// QueueDepth tracks requests waiting for a worker
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keypool_queue_depth",
			Help: "Number of requests waiting in the admission queue",
		},
	)

	// InFlight tracks requests currently held by workers
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keypool_inflight_requests",
			Help: "Number of requests currently being processed by workers",
		},
	)
)

var credentialStates = []string{"active", "rate_limited", "quota_exceeded", "error"}

// SetCredentialState flips the state gauges of one credential so exactly one label reads 1.
func SetCredentialState(credential, state string) {
	for _, s := range credentialStates {
		v := 0.0
		if s == state {
			v = 1
		}
		CredentialState.WithLabelValues(credential, s).Set(v)
	}
}

// OperationLabel normalises an empty operation name for label use.
func OperationLabel(op string) string {
	if op == "" {
		return "unknown"
	}
	return op
}
