// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command codebridge starts the CodeBridge API server.
//
// CodeBridge mediates between coding agents and language analyzers:
//   - Pooled stdio analyzers (gopls, pyright, typescript-language-server, rust-analyzer)
//   - Serialized mutations with priority queueing and resource locking
//   - Transactional file edits with checkpoints and rollback
//   - Live diagnostics over WebSocket
//
// Usage:
//
//	go run ./cmd/codebridge
//	go run ./cmd/codebridge -port 9090
//	go run ./cmd/codebridge -prewarm go,python -workspace /path/to/project
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/bridge/health
//
//	# Find a definition
//	curl -X POST http://localhost:8080/v1/bridge/tool \
//	  -H "Content-Type: application/json" \
//	  -d '{"tool": "find_definition", "workspace": "/path/to/project", "file": "main.go", "line": 10, "column": 5}'
//
//	# Begin a transaction
//	curl -X POST http://localhost:8080/v1/bridge/txn/begin \
//	  -H "Content-Type: application/json" \
//	  -d '{"session_id": "agent-1"}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/codebridge/pkg/logging"
	"github.com/AleutianAI/codebridge/services/bridge"
	"github.com/AleutianAI/codebridge/services/bridge/config"
	"github.com/AleutianAI/codebridge/services/bridge/telemetry"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logDir := flag.String("log-dir", "", "Directory for JSON log files (disabled when empty)")
	journalDir := flag.String("journal-dir", "", "Directory for the transaction journal (temp dir when empty)")
	prewarm := flag.String("prewarm", "", "Comma-separated languages to prewarm (e.g. go,python)")
	workspace := flag.String("workspace", "", "Workspace root for prewarmed analyzers")
	flag.Parse()

	if err := run(*port, *debug, *logLevel, *logDir, *journalDir, *prewarm, *workspace); err != nil {
		fmt.Fprintf(os.Stderr, "codebridge: %v\n", err)
		os.Exit(1)
	}
}

func run(port int, debug bool, logLevel, logDir, journalDir, prewarm, workspace string) error {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	if debug {
		level = logging.LevelDebug
	}

	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "codebridge",
	})
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry before anything that records metrics.
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.ServiceVersion = bridge.ServiceVersion
	if debug {
		telemetryCfg.TraceExporter = "stdout"
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			log.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	registry, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	log.Info("Registry loaded", "languages", registry.LanguageCount())

	svcConfig := bridge.DefaultServiceConfig()
	if journalDir != "" {
		svcConfig.Transaction.Journal.Path = journalDir
	}
	if prewarm != "" {
		svcConfig.PrewarmLanguages = splitLanguages(prewarm)
		svcConfig.PrewarmWorkspace = workspace
		if workspace == "" {
			return errors.New("-prewarm requires -workspace")
		}
	}

	svc, err := bridge.NewService(svcConfig, registry, log)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("codebridge"))
	if debug {
		router.Use(gin.Logger())
	}

	if handler := telemetry.MetricsHandler(); handler != nil {
		router.GET("/metrics", gin.WrapH(handler))
	}

	v1 := router.Group("/v1")
	bridge.RegisterRoutes(v1, bridge.NewHandlers(svc))

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(port)
	log.Info("Starting CodeBridge server", "address", addr)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down CodeBridge server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Error("Service shutdown failed", "error", err)
	}
	return nil
}

// splitLanguages parses the -prewarm flag value.
func splitLanguages(raw string) []string {
	var languages []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			languages = append(languages, part)
		}
	}
	return languages
}

func printBanner(port int) {
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                       CODEBRIDGE SERVER                           ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Language analyzer pooling and safe concurrent code mutation.     ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Health check                                              │  ║
║  │ curl http://localhost:%d/v1/bridge/health                 │  ║
║  │                                                             │  ║
║  │ # Pool and queue status                                     │  ║
║  │ curl http://localhost:%d/v1/bridge/status | jq            │  ║
║  │                                                             │  ║
║  │ # Run a tool                                                │  ║
║  │ curl -X POST http://localhost:%d/v1/bridge/tool \         │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"tool": "find_definition", "workspace": ".",         │  ║
║  │        "file": "main.go", "line": 10, "column": 5}'         │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Tools: POST /tool (reads run concurrently, writes queue)    ║
║  ├── Txn: /txn/begin, /checkpoint, /rollback, /commit, /abort    ║
║  ├── Live: GET /events (WebSocket), GET /diagnostics             ║
║  └── Ops: /status, /health, /ready, /metrics                     ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, port, port, port)
}
