package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"vpin_mm/internal/app"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg := bootstrap.Config

	// 2. Pprof + Prometheus Server (localhost only)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		slog.Info("🕵️ Debug server started", slog.String("addr", cfg.Metrics.Addr))
		if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
			slog.Error("Debug server failed", slog.Any("error", err))
		}
	}()

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Stream + warm start
	if err := bootstrap.Start(ctx); err != nil {
		slog.Error("❌ Startup failed", slog.Any("error", err))
		bootstrap.Shutdown()
		os.Exit(1)
	}

	// 5. Status loop
	monitor := app.NewMonitor(bootstrap.Exchange, cfg.LoopInterval(), slog.Default())
	if err := monitor.Init(ctx); err != nil {
		slog.Error("Failed to reset orders", slog.Any("error", err))
	}

	slog.InfoContext(ctx, "✨ VPIN market maker fully operational. Press Ctrl+C to exit.")

	exitCode := 0
	if err := monitor.Run(ctx); err != nil {
		slog.Error("Status loop stopped", slog.Any("error", err))
		exitCode = 1
	}

	slog.Info("👋 Shutting down gracefully...")
	bootstrap.Shutdown()
	os.Exit(exitCode)
}
