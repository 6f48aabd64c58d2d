package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	lsmhttp "lsmkv/internal/http"
	"lsmkv/pkg/lsm"
	"lsmkv/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	engine, err := lsm.Open(cfg.DB.DataDir, cfg.DB)
	if err != nil {
		slog.Error("failed to open engine", "data_dir", cfg.DB.DataDir, "error", err)
		os.Exit(1)
	}
	engine.UseCollector(metrics.NewRegistry())
	slog.Info("engine opened", "data_dir", cfg.DB.DataDir)

	server := lsmhttp.NewServer(engine, fmt.Sprintf("%d", cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	slog.Info("shutting down")
	if err := server.Stop(); err != nil {
		slog.Warn("server shutdown error", "error", err)
	}
	if err := engine.Close(); err != nil {
		slog.Error("engine close error", "error", err)
		os.Exit(1)
	}
	slog.Info("stopped")
}
