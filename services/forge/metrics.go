// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_tool_calls_total",
		Help: "Tool calls by tool name and result code",
	}, []string{"tool", "code"})

	toolCallSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_tool_call_seconds",
		Help:    "Tool call latency by tool name",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_http_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_ws_connections",
		Help: "Open websocket tool-call connections",
	})
)
