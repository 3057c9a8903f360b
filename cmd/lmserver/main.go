package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"lmperplexity/internal/config"
	"lmperplexity/internal/controller"
	"lmperplexity/internal/handler"
	"lmperplexity/internal/service"
	"lmperplexity/pkg/mcp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	var appConfigPath = flag.String("app", "app.yaml", "Path to app configuration file")
	var port = flag.Int("port", 0, "Server port, overrides app.port")
	flag.Parse()

	cfg, err := config.LoadConfig(*appConfigPath)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if *port != 0 {
		cfg.App.Port = *port
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded successfully", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := service.NewModelRegistry(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create model registry", zap.Error(err))
	}
	if err := registry.LoadAll(ctx); err != nil {
		logger.Fatal("Failed to load language models", zap.Error(err))
	}
	logger.Info("Language models loaded", zap.Strings("models", registry.Names()))

	go registry.Sessions().Run(ctx)

	perplexityController := controller.NewPerplexityController(registry, logger)
	mcpServer := mcp.NewPerplexityServer(registry, logger)

	router := handler.SetupRouter(perplexityController, mcpServer, cfg, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Starting server", zap.Int("port", cfg.App.Port))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	cfgZap := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}
	cfgZap.Level.SetLevel(level)
	cfgZap.OutputPaths = cfg.App.LogOutputs
	return cfgZap.Build()
}
