package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Currently open streaming sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sessions_total",
		Help: "Total sessions opened",
	})

	ChunksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_chunks_received_total",
		Help: "Binary audio frames received, by session mode",
	}, []string{"mode"})

	DecodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_decode_duration_seconds",
		Help:    "Engine inference latency by mode",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0},
	}, []string{"mode"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_decode_errors_total",
		Help: "Decode task failures by stage",
	}, []string{"stage"})

	HotwordCompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_hotword_compile_duration_seconds",
		Help:    "Hotword resolution (FST merge + NN embedding compile) latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	LaneQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_lane_queue_depth",
		Help: "Pending decode tasks queued on each decoder lane",
	}, []string{"lane"})

	PendingBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_pending_sample_bytes",
		Help:    "Bytes handed from a session's pending PCM buffer to a decode task at dispatch time",
		Buckets: []float64{0, 800, 1600, 3200, 8000, 16000, 32000},
	})
)
