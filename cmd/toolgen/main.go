package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentbrowser/toolgen/internal/agent"
	"github.com/agentbrowser/toolgen/internal/codegen"
	"github.com/agentbrowser/toolgen/internal/events"
	"github.com/agentbrowser/toolgen/internal/orchestrator"
	"github.com/agentbrowser/toolgen/internal/orchestrator/config"
	"github.com/agentbrowser/toolgen/internal/procrun"
	"github.com/agentbrowser/toolgen/internal/storage/memory"
	mongostore "github.com/agentbrowser/toolgen/internal/storage/mongo"
	"github.com/agentbrowser/toolgen/internal/toolsvc"
)

const (
	serverName    = "toolgen-backend"
	serverVersion = "0.1.0"

	mongoConnectTimeout = 10 * time.Second
)

var (
	version  = flag.Bool("version", false, "Print version and exit")
	debug    = flag.Bool("debug", false, "Enable debug logging")
	httpMode = flag.Bool("http", false, "Enable HTTP/SSE transport instead of stdio")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Toolgen Backend v%s\n", serverVersion)
		os.Exit(0)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Info("Starting toolgen backend",
		"version", serverVersion,
		"debug", *debug,
		"http_mode", *httpMode,
		"http_port", cfg.HTTPPort,
		"storage_backend", cfg.StorageBackend,
	)

	// Select the session store backend
	var store orchestrator.SessionStore
	var mongoStore *mongostore.SessionStore
	switch cfg.StorageBackend {
	case config.StorageMongo:
		connectCtx, cancelConnect := context.WithTimeout(context.Background(), mongoConnectTimeout)
		mongoStore, err = mongostore.NewSessionStore(connectCtx, cfg.MongoURL, cfg.MongoDatabase)
		cancelConnect()
		if err != nil {
			log.Fatalf("Failed to connect session store: %v", err)
		}
		store = mongoStore
	default:
		store = memory.NewSessionStore()
	}

	// Generation backend: LLM planner + code-generation CLI
	chatClient, err := agent.NewAzureOpenAIClient(cfg.OpenAIEndpoint, cfg.OpenAIAPIKey, cfg.OpenAIDeployment)
	if err != nil {
		log.Fatalf("Failed to create chat client: %v", err)
	}

	generator := codegen.NewGenerator(codegen.Config{
		Command:        cfg.CodegenCommand,
		Model:          cfg.CodegenModel,
		ToolServiceDir: cfg.ToolServiceDir,
		ToolsDir:       cfg.ToolsDir,
		Timeout:        cfg.CodegenTimeout,
	}, procrun.NewRunner(logger), logger)

	backend := agent.NewManager(chatClient, generator, logger)

	bus := events.NewBus(logger)
	executor := toolsvc.NewClient(cfg.ToolServiceURL, cfg.ToolServiceTimeout, logger)

	// Generated tools cannot be registered or executed without the tool
	// service, but generation itself still works, so only warn.
	healthCtx, cancelHealth := context.WithTimeout(context.Background(), cfg.ToolServiceTimeout)
	if err := executor.Health(healthCtx); err != nil {
		logger.Warn("Tool service unreachable at startup",
			"url", cfg.ToolServiceURL,
			"error", err,
		)
	}
	cancelHealth()

	orch := orchestrator.New(store, bus, backend, executor, cfg, logger)
	auditLogger := orchestrator.NewAuditLogger(logger)

	mcpServer := orchestrator.NewMCPServer(serverName, serverVersion, orch, bus, auditLogger, logger)

	// Sessions persisted by a previous process have no workflow anymore;
	// fail them so their jobs do not report an active state forever.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), config.DefaultStoreOpTimeout)
	if recovered, err := orch.RecoverStaleSessions(recoverCtx); err != nil {
		logger.Warn("Stale session recovery failed", "error", err)
	} else if recovered > 0 {
		logger.Info("Recovered stale sessions", "count", recovered)
	}
	cancelRecover()

	logger.Info("MCP server initialized",
		"name", serverName,
		"version", serverVersion,
	)

	// Setup context for shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start MCP server in goroutine
	go func() {
		if *httpMode {
			if err := mcpServer.ServeSSE(":"+cfg.HTTPPort, cfg.HTTPBasePath); err != nil {
				logger.Error("MCP server error", "error", err)
				cancel()
			}
		} else {
			if err := mcpServer.Serve(); err != nil {
				logger.Error("MCP server error", "error", err)
				cancel()
			}
		}
	}()

	// Sweep retained task outcomes periodically and release the event
	// buffers of the sessions they belonged to.
	go func() {
		ticker := time.NewTicker(config.DefaultReapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if reaped := orch.Registry().ReapFinished(); len(reaped) > 0 {
					mcpServer.ReleaseSessions(reaped)
					logger.Debug("Reaped finished task handles", "count", len(reaped))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context canceled")
	}

	logger.Info("Shutting down gracefully")
	cancel()

	// Stop accepting SSE connections before tearing down workflows.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	if err := mcpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("MCP server shutdown failed", "error", err)
	}
	cancelShutdown()

	// Cancel in-flight workflows; their terminal transitions persist via
	// independent store contexts.
	orch.Close()

	if mongoStore != nil {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
		if err := mongoStore.Close(closeCtx); err != nil {
			logger.Warn("Session store close failed", "error", err)
		}
		cancelClose()
	}

	logger.Info("Toolgen backend shutdown complete")
}
