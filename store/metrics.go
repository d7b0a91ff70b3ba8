package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Query cache metrics
var (
	queryCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_collector_query_cache_hits",
		Help: "The number of queries answered from the query cache",
	}, []string{"group"})
	queryCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_collector_query_cache_misses",
		Help: "The number of queries that had to run against the database",
	}, []string{"group"})
)
