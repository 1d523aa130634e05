package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_paste_deleted_total",
		Help: "no. of pastes deleted",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	SearchQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_search_queries_total",
		Help: "no. of tag searches",
	})
	BotRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_bot_rejections_total",
		Help: "no. of submissions rejected by bot score",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_cache_hits_total",
		Help: "no. of paste row cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_cache_misses_total",
		Help: "no. of paste row cache misses",
	})
	ViewFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_view_flushes_total",
		Help: "no. of view counter flush cycles",
	})
	ViewsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_views_flushed_total",
		Help: "no. of paste view rows written by the flusher",
	})
	PurgeCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindrop_purge_calls_total",
		Help: "no. of batched cache purge requests",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bindrop_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bindrop_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
)

func Init() {
}
