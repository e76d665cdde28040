package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verification metrics
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "everseal_verifications_total",
			Help: "Total number of verification attempts by outcome",
		},
		[]string{"outcome"},
	)

	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "everseal_verification_duration_seconds",
			Help:    "Duration of verification decisions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MalformedRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "everseal_verification_malformed_total",
			Help: "Total number of verification requests rejected before any registry work",
		},
	)

	// Mint metrics
	MintsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "everseal_mints_total",
			Help: "Total number of signed URLs minted by status",
		},
		[]string{"status"},
	)

	// Notarization metrics
	NotarizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "everseal_notarizations_total",
			Help: "Total number of notarization jobs by status",
		},
		[]string{"status"},
	)

	NotarizationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "everseal_notarization_queue_depth",
			Help: "Current depth of the notarization queue",
		},
	)

	// Event feed metrics
	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "everseal_event_subscribers",
			Help: "Number of connected attempt event subscribers",
		},
	)
)
