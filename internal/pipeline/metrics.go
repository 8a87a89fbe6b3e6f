package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intelgraph",
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Events by tier and final status",
	}, []string{"tier", "status"})

	processingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intelgraph",
		Subsystem: "pipeline",
		Name:      "processing_seconds",
		Help:      "Wall time spent processing one event",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tier"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "intelgraph",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Pending events per tier",
	}, []string{"tier"})

	oracleRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intelgraph",
		Subsystem: "pipeline",
		Name:      "oracle_retries_total",
		Help:      "Transient oracle failures that triggered a retry",
	})

	candidatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intelgraph",
		Subsystem: "pipeline",
		Name:      "candidates_dropped_total",
		Help:      "Extracted candidates rejected by validation",
	})
)
