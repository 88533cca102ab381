// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_queue_enqueued_total",
		Help: "Operations accepted into the queue by type",
	}, []string{"type"})

	queueRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_queue_rejected_total",
		Help: "Operations rejected at enqueue by reason",
	}, []string{"reason"})

	queueOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_queue_operations_total",
		Help: "Finished operations by type and status",
	}, []string{"type", "status"})

	queueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_queue_wait_seconds",
		Help:    "Time operations spent queued before execution",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	queueExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_queue_execution_seconds",
		Help:    "Operation execution time by type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_queue_depth",
		Help: "Number of pending operations",
	})

	queueBatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_queue_batched_total",
		Help: "Operations drained into a same-path batch",
	})
)
