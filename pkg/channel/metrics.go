// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"github.com/LeeDigitalWorks/relay/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bufferEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "buffer",
		Name:      "enqueued_total",
		Help:      "Records accepted into the in-memory buffer",
	})

	bufferDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "buffer",
		Name:      "dropped_total",
		Help:      "Records rejected because the buffer was full",
	})

	flushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "flush",
		Name:      "total",
		Help:      "Buffer flushes by result",
	}, []string{"result"}) // persisted, empty, quota, error

	flushRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "flush",
		Name:      "records_total",
		Help:      "Records handled by flushes by outcome",
	}, []string{"outcome"}) // persisted, lost, unencodable

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "flush",
		Name:      "duration_seconds",
		Help:      "Time to drain, encode and persist one batch",
		Buckets:   prometheus.DefBuckets,
	})

	sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "transmitter",
		Name:      "sends_total",
		Help:      "Delivery attempts by result",
	}, []string{"result"}) // success, retry, permanent, aborted

	recordsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "transmitter",
		Name:      "records_sent_total",
		Help:      "Records delivered to the collector",
	})

	sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "transmitter",
		Name:      "send_duration_seconds",
		Help:      "Duration of one delivery attempt",
		Buckets:   prometheus.DefBuckets,
	})

	backoffSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "transmitter",
		Name:      "backoff_seconds",
		Help:      "Retry delays scheduled after failed deliveries",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 13),
	})

	developerSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "transmitter",
		Name:      "developer_mode_sends_total",
		Help:      "Direct developer mode sends by result",
	}, []string{"result"}) // sent, failed, dropped

	sendsAfterCloseTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "channel",
		Name:      "sends_after_close_total",
		Help:      "Records discarded because the channel was closed",
	})
)

func init() {
	debug.Registry().MustRegister(
		bufferEnqueuedTotal,
		bufferDroppedTotal,
		flushTotal,
		flushRecordsTotal,
		flushDuration,
		sendsTotal,
		recordsSentTotal,
		sendDuration,
		backoffSeconds,
		developerSendsTotal,
		sendsAfterCloseTotal,
	)
}
