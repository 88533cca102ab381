// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_lock_acquisitions_total",
		Help: "Total lock acquisitions by mode",
	}, []string{"mode"})

	lockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a path lock",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}, []string{"mode"})

	lockStallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_lock_stalls_total",
		Help: "Acquisitions that exceeded the stall warning threshold",
	}, []string{"mode"})

	lockTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_lock_table_entries",
		Help: "Number of entries in the path lock table",
	})

	lockEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_lock_evictions_total",
		Help: "Idle lock entries removed by pruning",
	})

	lockExternalChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_lock_external_changes_total",
		Help: "Modifications of tracked files detected outside the engine",
	})
)
