package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/fanout/internal/config"
	"github.com/Tyrowin/fanout/internal/counters/seed"
	"github.com/Tyrowin/fanout/internal/logging"
	"github.com/Tyrowin/fanout/internal/metrics"
	"github.com/Tyrowin/fanout/internal/server"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and ingress server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("FANOUT_CONFIG"), "path to YAML config file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	hub := server.NewHub(server.OptionsFromConfig(cfg), server.WithLogger(logger), server.WithMetrics(m))
	srv := server.NewServer(hub, cfg, logger, m, reg)
	httpServer := server.CreateServer(cfg.Server.Addr, srv.SetupRoutes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	seedCounters(gctx, cfg.Counters.Seed, hub, logger)

	g.Go(func() error {
		logger.Info("server listening", "addr", httpServer.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		timeout := cfg.Server.ShutdownTimeout
		httpErr := server.ShutdownServer(httpServer, timeout, logger)
		hubErr := hub.Shutdown(timeout)
		return errors.Join(httpErr, hubErr)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

// seedCounters rescans the configured store once. Failures leave the
// counters at zero.
func seedCounters(ctx context.Context, cfg config.SeedConfig, hub *server.Hub, logger *slog.Logger) {
	if cfg.Driver == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	src, err := seed.Open(ctx, cfg)
	if err != nil {
		logger.Error("open counter seed source", "driver", cfg.Driver, "error", err)
		return
	}
	defer src.Close()

	rows, err := seed.Collect(ctx, src, cfg.Queries)
	if err != nil {
		logger.Error("collect counter seed rows", "driver", cfg.Driver, "error", err)
		return
	}
	n, err := hub.SeedCounters(rows)
	if err != nil {
		logger.Error("apply counter seed rows", "error", err)
		return
	}
	logger.Info("counters seeded", "driver", cfg.Driver, "categories", len(rows), "rows", n)
}
