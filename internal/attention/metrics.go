package attention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_attention_forward_duration_seconds",
		Help:    "Wall time of one tiled forward invocation",
		Buckets: prometheus.DefBuckets,
	})

	forwardRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_attention_rows_total",
		Help: "Total query rows processed by the tiled kernel",
	})

	scratchHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_attention_scratch_pool_hits_total",
		Help: "Scratch blocks served from the pool without growing",
	})

	scratchMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_attention_scratch_pool_misses_total",
		Help: "Scratch block requests that allocated fresh storage",
	})
)
