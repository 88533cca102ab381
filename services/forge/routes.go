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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
)

// RegisterRoutes registers all forge routes with the router.
//
// Description:
//
//	Registers all /v1/forge/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST   /v1/forge/apply_edit - Apply or preview a refactor plan
//	POST   /v1/forge/operations - Enqueue simple operations
//	GET    /v1/forge/operations - List pending operations
//	DELETE /v1/forge/operations/:id - Cancel a pending operation
//	GET    /v1/forge/queue/stats - Queue and lock statistics
//	POST   /v1/forge/read - Read a file under its read lock
//	GET    /v1/forge/health - Health check
//	GET    /v1/forge/ws - Websocket tool-call channel
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	forge := rg.Group("/forge")
	{
		forge.POST("/apply_edit", handlers.HandleApplyEdit)
		forge.POST("/operations", handlers.HandleEnqueue)
		forge.GET("/operations", handlers.HandleListOperations)
		forge.DELETE("/operations/:id", handlers.HandleCancel)
		forge.GET("/queue/stats", handlers.HandleQueueStats)
		forge.POST("/read", handlers.HandleReadFile)
		forge.GET("/health", handlers.HandleHealth)
		forge.GET("/ws", handlers.HandleToolWebSocket)
	}
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	ServiceName    string
	RateLimitRPS   float64
	RateLimitBurst int
	Tracing        bool
}

// NewRouter builds the gin engine serving the forge API and /metrics.
func NewRouter(engine *Engine, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Tracing {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	v1.Use(NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware())
	RegisterRoutes(v1, NewHandlers(engine))
	return router
}
