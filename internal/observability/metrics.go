package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the pipeline and gateway collectors.
const (
	OutcomeOK             = "ok"
	OutcomeServerError    = "server_error"
	OutcomeNetworkError   = "network_error"
	OutcomeSessionExpired = "session_expired"
	OutcomeQueued         = "queued"
	OutcomeQueueFull      = "queue_full"
	OutcomeInvalid        = "invalid"
)

// Drain result labels.
const (
	DrainSynced    = "synced"
	DrainDuplicate = "duplicate"
	DrainRejected  = "rejected"
	DrainDeferred  = "deferred"
)

var (
	// PipelineRequests counts upstream calls by method and outcome.
	PipelineRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "Upstream API calls made by the request pipeline.",
		},
		[]string{"method", "outcome"},
	)

	// TokenRefreshes counts refresh attempts by result (success|failure).
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_refresh_total",
			Help: "Access token refresh attempts.",
		},
		[]string{"result"},
	)

	// Mutations counts gateway executions by outcome.
	Mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_mutations_total",
			Help: "Mutations handled by the gateway.",
		},
		[]string{"outcome"},
	)

	// DrainedRecords counts queued records processed during drains.
	DrainedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_drained_records_total",
			Help: "Queued mutations processed by the drainer, by result.",
		},
		[]string{"result"},
	)

	// QueueDepth is the number of pending queued mutations after the last change.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Pending queued mutations.",
		},
	)

	// Online is 1 while the connectivity monitor reports online.
	Online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_online",
			Help: "1 when the device is considered online.",
		},
	)
)

func init() {
	prometheus.MustRegister(PipelineRequests, TokenRefreshes, Mutations, DrainedRecords, QueueDepth, Online)
}

// SetOnline mirrors a connectivity state into the Online gauge.
func SetOnline(online bool) {
	if online {
		Online.Set(1)
		return
	}
	Online.Set(0)
}
