// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all bridge routes with the router.
//
// Description:
//
//	Registers all /v1/bridge/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/bridge/tool - Dispatch a tool call
//	GET  /v1/bridge/status - Pool, queue, and transaction snapshot
//	GET  /v1/bridge/diagnostics - Cached diagnostics for a file
//	POST /v1/bridge/txn/begin - Start a transaction
//	POST /v1/bridge/txn/checkpoint - Mark a named checkpoint
//	POST /v1/bridge/txn/rollback - Roll back to a checkpoint
//	POST /v1/bridge/txn/commit - Commit the transaction
//	POST /v1/bridge/txn/abort - Roll back everything and end
//	GET  /v1/bridge/events - Websocket notification stream
//	GET  /v1/bridge/health - Health check
//	GET  /v1/bridge/ready - Readiness check
//
// Example:
//
//	service, _ := bridge.NewService(bridge.DefaultServiceConfig(), registry, logger)
//	handlers := bridge.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	bridge.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	b := rg.Group("/bridge")
	{
		// Tool dispatch
		b.POST("/tool", handlers.HandleTool)

		// Introspection
		b.GET("/status", handlers.HandleStatus)
		b.GET("/diagnostics", handlers.HandleDiagnostics)

		// Transactions
		b.POST("/txn/begin", handlers.HandleTxnBegin)
		b.POST("/txn/checkpoint", handlers.HandleTxnCheckpoint)
		b.POST("/txn/rollback", handlers.HandleTxnRollback)
		b.POST("/txn/commit", handlers.HandleTxnCommit)
		b.POST("/txn/abort", handlers.HandleTxnAbort)

		// Notification stream
		b.GET("/events", handlers.HandleEvents)

		// Health checks
		b.GET("/health", handlers.HandleHealth)
		b.GET("/ready", handlers.HandleReady)
	}
}
