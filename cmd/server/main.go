package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/config"
	"github.com/arohanajit/hashmapd/internal/failure"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	if err := config.InitLogger(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := config.GetLogger()
	defer config.Sync()

	terminate := func(code int) {
		_ = config.Sync()
		os.Exit(code)
	}

	n, err := newNode(cfg, logger, prometheus.DefaultRegisterer, terminate)
	if err != nil {
		logger.Error("Failed to build node", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		code := failure.ExitUnexpected
		var startupErr *failure.StartupError
		if errors.As(err, &startupErr) {
			code = startupErr.Code
		}
		terminate(code)
		return
	}

	// Serve metrics
	metricsServer := startMetricsServer(cfg.MetricsAddress, logger)

	// Setup signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	if err := activate(context.Background(), n.daemon, os.Args[1:], signalCh); err != nil {
		return
	}
	logger.Info("Node started",
		zap.String("node", cfg.NodeID),
		zap.String("cluster", cfg.ClusterName),
		zap.Bool("native_transport", n.daemon.IsNativeTransportRunning()))

	// Wait for interrupt signal
	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := n.shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error stopping metrics server", zap.Error(err))
		}
	}
	logger.Info("Server shutdown completed")
}
