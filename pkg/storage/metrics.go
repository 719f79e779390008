// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"github.com/LeeDigitalWorks/relay/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	enqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "storage",
		Name:      "enqueued_total",
		Help:      "Transmissions persisted to the storage folder",
	})

	enqueueRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "storage",
		Name:      "enqueue_rejected_total",
		Help:      "Transmissions rejected by the folder quota",
	}, []string{"reason"}) // reason: files, bytes

	leaseOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "storage",
		Name:      "lease_operations_total",
		Help:      "Lease transitions by operation",
	}, []string{"operation"}) // acquire, delete, release, renew, reschedule, reclaim, lost

	corruptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "storage",
		Name:      "corrupt_total",
		Help:      "Unreadable transmissions removed from the folder",
	})

	folderFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "storage",
		Name:      "files",
		Help:      "Pending and leased transmissions seen on the last scan",
	})

	folderBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "storage",
		Name:      "bytes",
		Help:      "Bytes held by pending and leased transmissions on the last scan",
	})
)

func init() {
	debug.Registry().MustRegister(
		enqueuedTotal,
		enqueueRejectedTotal,
		leaseOpsTotal,
		corruptTotal,
		folderFiles,
		folderBytes,
	)
}
