// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus instrumentation for the frame pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReceived counts frames that reached the ingress queue manager,
	// before any drop decision.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "frames_received_total",
		Help:      "Frames received from clients, by stream",
	}, []string{"stream"})

	// FramesDropped counts frames evicted or rejected by the drop policy.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "frames_dropped_total",
		Help:      "Frames discarded by the drop policy, by stream and reason",
	}, []string{"stream", "reason"}) // reason: "queue_full|stale|outbound_full|stream_closed"

	// FramesExpired counts frames that aged out before a usable result.
	FramesExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "frames_expired_total",
		Help:      "Frames whose results expired before delivery, by stream",
	}, []string{"stream"})

	// FramesFailed counts frames the engine could not process.
	FramesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "frames_failed_total",
		Help:      "Frames rejected by the detection engine, by stream",
	}, []string{"stream"})

	// ResultsDelivered counts results handed to a stream's outbound path.
	ResultsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "results_delivered_total",
		Help:      "Inference results delivered to clients, by stream and status",
	}, []string{"stream", "status"})

	// QueueDepth tracks the current per-stream ingress queue depth.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fovea",
		Name:      "ingress_queue_depth",
		Help:      "Current number of frames queued per stream",
	}, []string{"stream"})

	// ActiveStreams tracks the number of registered streams by state.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fovea",
		Name:      "streams",
		Help:      "Number of streams currently registered, by state",
	}, []string{"state"})

	// BatchSize observes how many frames each engine call carried.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fovea",
		Name:      "batch_size_frames",
		Help:      "Frames per inference batch",
		Buckets:   prometheus.LinearBuckets(1, 1, 16),
	})

	// InferenceLatency observes wall time of a single engine call.
	InferenceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fovea",
		Name:      "inference_latency_seconds",
		Help:      "Detection engine call latency",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
	})

	// EndToEndLatency observes capture-to-dispatch latency per frame.
	EndToEndLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fovea",
		Name:      "e2e_latency_seconds",
		Help:      "Frame capture to result dispatch latency",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// SLAViolations counts batches whose inference deadline was exceeded.
	SLAViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "batch_deadline_exceeded_total",
		Help:      "Inference batches that overran their deadline",
	})

	// EngineReloads counts detection engine weight reloads.
	EngineReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "engine_reloads_total",
		Help:      "Detection engine reloads, by trigger",
	}, []string{"trigger"}) // trigger: "watch|manual"
)

// IncFrameDropped records one dropped frame for a stream.
func IncFrameDropped(stream, reason string) {
	FramesDropped.WithLabelValues(stream, reason).Inc()
}

// ObserveInference records a completed engine call.
func ObserveInference(batchSize int, d time.Duration) {
	BatchSize.Observe(float64(batchSize))
	InferenceLatency.Observe(d.Seconds())
}

// ObserveEndToEnd records a frame's capture-to-dispatch latency.
func ObserveEndToEnd(d time.Duration) {
	EndToEndLatency.Observe(d.Seconds())
}
