package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "callintel_server_active_connections",
		Help: "Open streaming connections by transport",
	}, []string{"transport"})
)

// Counters
var (
	AudioBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callintel_server_audio_bytes_total",
		Help: "PCM bytes received from clients",
	})
	TranscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callintel_server_transcriptions_total",
		Help: "Transcription messages sent by finality",
	}, []string{"final"})
	TranscriptionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callintel_server_transcription_errors_total",
		Help: "Failed transcriber calls",
	})
	InvalidMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callintel_server_invalid_messages_total",
		Help: "Text frames that failed to decode",
	})
	AnalysisRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callintel_server_analysis_requests_total",
		Help: "Sentiment/coaching requests by kind and outcome",
	}, []string{"kind", "outcome"})
)

// Histograms
var (
	TranscriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callintel_server_transcription_duration_ms",
		Help:    "Transcriber call duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000},
	})
)
