package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_retrieved_total",
		Help: "no. of live pastes returned to readers",
	})
	PasteNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_not_found_total",
		Help: "no. of reads for missing or expired ids",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_id_collisions_total",
		Help: "no. of generated ids rejected as duplicates",
	})
	CreationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_creation_failures_total",
		Help: "no. of creates that exhausted id retries",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	SweepCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_sweep_cycles_total",
			Help: "no. of cleanup sweep cycles by outcome",
		},
		[]string{"outcome"},
	)
	SweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_sweep_deleted_total",
		Help: "no. of expired pastes deleted by the sweeper",
	})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pastebin_sweep_duration_seconds",
		Help:    "duration of one full sweep cycle",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastebin_recent_error_rate_percent",
		Help: "5xx responses as a percentage of requests over the last five minutes",
	})
	StorePastes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pastebin_store_pastes",
			Help: "rows in the paste table by state at the last stats sample",
		},
		[]string{"state"},
	)
)
