package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UplinksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_ingest_uplinks_total",
		Help: "Total number of uplinks handled, by deployment, source and outcome",
	},
		[]string{"deployment", "source", "outcome"},
	)

	UplinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_ingest_uplink_errors_total",
		Help: "Total number of uplinks that failed, by deployment, source and reason",
	},
		[]string{"deployment", "source", "reason"},
	)

	UnrecognizedProfilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_ingest_unrecognized_profiles_total",
		Help: "Total number of uplinks classified to the default variant",
	},
		[]string{"deployment"},
	)

	RecordsPersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_ingest_records_persisted_total",
		Help: "Total number of completed readings written, by deployment and variant",
	},
		[]string{"deployment", "variant"},
	)

	FlushFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_ingest_flush_failures_total",
		Help: "Total number of failed durable writes of completed readings",
	},
		[]string{"deployment", "variant"},
	)

	FlushAbandonedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_ingest_flush_abandoned_total",
		Help: "Total number of completed readings dropped after repeated write failures",
	},
		[]string{"deployment", "variant"},
	)

	DeviceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_ingest_device_errors_total",
		Help: "Total number of error-level uplinks logged",
	},
		[]string{"deployment"},
	)

	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uplink_ingest_cache_entries",
		Help: "Number of partial readings currently cached",
	},
		[]string{"deployment"},
	)

	CacheStaleEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_ingest_cache_stale_evictions_total",
		Help: "Total number of incomplete readings evicted by the staleness sweep",
	},
		[]string{"deployment"},
	)

	CacheUnflushedEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_ingest_cache_unflushed_evictions_total",
		Help: "Total number of complete readings evicted by the staleness sweep after failed writes",
	},
		[]string{"deployment"},
	)

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_ingest_rate_limited_total",
		Help: "Total number of HTTP uplinks rejected by the rate limiter",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uplink_ingest_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status code",
		Buckets: prometheus.DefBuckets,
	},
		[]string{"route", "code"},
	)
)
