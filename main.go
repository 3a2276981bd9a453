package main

import (
	"fmt"
	"log"
	"net/http"

	"tigsync/internal/api"
	"tigsync/internal/config"
	"tigsync/internal/logging"
	"tigsync/internal/middleware"
	"tigsync/internal/workspace"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	// Open the workspace: mappings, repositories, coordinator
	ws, err := workspace.NewLocalWorkspace(cfg, logger.Logger)
	if err != nil {
		logger.Fatal("failed to open workspace", zap.Error(err))
	}
	defer ws.Close()

	hookHandler := api.NewHookHandler(ws.Coordinator)
	indexHandler := api.NewIndexHandler(ws.Registry)
	mappingHandler := api.NewMappingHandler(ws.Registry)

	// Set up router
	mux := http.NewServeMux()

	// Health checks
	mux.HandleFunc("GET /health", healthCheck)

	// Hook endpoints
	hookHandler.Register(mux)

	// Index and mapping endpoints
	mux.HandleFunc("GET /api/index", indexHandler.List)
	mux.HandleFunc("GET /api/mappings", mappingHandler.List)

	// Apply middleware
	handler := middleware.Chain(
		mux,
		middleware.Logger(logger),
		middleware.Recover(logger),
		middleware.OperationID,
	)

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("starting server",
		zap.String("address", addr),
		zap.String("workspace", ws.Root),
		zap.Bool("allow_nested_project_move", cfg.Hooks.AllowNestedProjectMove))

	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}
