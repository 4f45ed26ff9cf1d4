package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	TransportState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callintel_client_transport_state",
		Help: "Transport state (0=idle 1=connecting 2=open 3=closing 4=closed)",
	})
	AudioLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callintel_client_audio_level",
		Help: "Most recent normalized microphone level (0..1)",
	})
	Capturing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callintel_client_capturing",
		Help: "1 while the microphone is capturing",
	})
)

// Counters
var (
	ChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callintel_client_audio_chunks_total",
		Help: "Audio chunks handed to the transport by outcome",
	}, []string{"outcome"})
	FramesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callintel_client_frames_sent_total",
		Help: "Frames written to the socket by frame type",
	}, []string{"type"})
	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callintel_client_frames_received_total",
		Help: "Frames read from the socket by frame type",
	}, []string{"type"})
	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callintel_client_reconnect_attempts_total",
		Help: "Automatic reconnect attempts scheduled",
	})
	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callintel_client_decode_errors_total",
		Help: "Inbound text frames that failed to decode",
	})
	UtterancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callintel_client_utterances_finalized_total",
		Help: "Utterances appended to history",
	})
	ScoringRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callintel_client_scoring_requests_total",
		Help: "Sentiment/coaching requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
)

// Histograms
var (
	ScoringLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callintel_client_scoring_duration_ms",
		Help:    "Scoring request duration in milliseconds by endpoint",
		Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
	}, []string{"endpoint"})
)
