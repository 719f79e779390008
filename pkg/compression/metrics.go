// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"github.com/LeeDigitalWorks/relay/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CompressionRatioHist tracks compression ratios (original_size / compressed_size)
	CompressionRatioHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "compression",
			Name:      "ratio",
			Help:      "Compression ratio (original_size / compressed_size)",
			Buckets:   []float64{1.0, 1.25, 1.5, 2.0, 3.0, 4.0, 5.0, 10.0},
		},
		[]string{"algorithm"},
	)

	// CompressionDuration tracks time spent compressing/decompressing
	CompressionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "compression",
			Name:      "duration_seconds",
			Help:      "Time spent compressing/decompressing payloads",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"algorithm", "operation"}, // operation: compress, decompress
	)

	// CompressionBytesSaved tracks bytes saved by compression
	CompressionBytesSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "compression",
			Name:      "bytes_saved_total",
			Help:      "Bytes saved by compressing transmission payloads",
		},
		[]string{"algorithm"},
	)

	// CompressionSkipped tracks payloads where compression did not help
	CompressionSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "compression",
			Name:      "skipped_total",
			Help:      "Payloads sent uncompressed because compression saved no space",
		},
		[]string{"algorithm"},
	)
)

func init() {
	debug.Registry().MustRegister(
		CompressionRatioHist,
		CompressionDuration,
		CompressionBytesSaved,
		CompressionSkipped,
	)
}

// RecordCompression records metrics for a compression operation
func RecordCompression(algo Algorithm, originalSize, compressedSize int, skipped bool) {
	algoStr := algo.String()

	if skipped {
		CompressionSkipped.WithLabelValues(algoStr).Inc()
		return
	}

	CompressionBytesSaved.WithLabelValues(algoStr).Add(float64(originalSize - compressedSize))
	CompressionRatioHist.WithLabelValues(algoStr).Observe(CompressionRatio(originalSize, compressedSize))
}
