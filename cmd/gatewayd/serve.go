package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/lspgateway/internal/adminhttp"
	"github.com/conduit-lang/lspgateway/internal/config"
	"github.com/conduit-lang/lspgateway/internal/events"
	"github.com/conduit-lang/lspgateway/internal/gateway"
	"github.com/conduit-lang/lspgateway/internal/pool"
	"github.com/conduit-lang/lspgateway/internal/provider"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon",
	Long: `Start the LSP gateway: spawn and pool per-language, per-workspace
backend language servers, serve the outer tool surface, and optionally
expose the admin HTTP/websocket API.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("gatewayd: build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("gatewayd: load config: %w", err)
	}

	reg, err := provider.NewRegistry(
		provider.NewGoProvider(),
		provider.NewTypeScriptProvider(),
		provider.NewPythonProvider(),
		provider.NewRustProvider(),
	)
	if err != nil {
		return fmt.Errorf("gatewayd: build provider registry: %w", err)
	}

	p := pool.New(pool.Config{
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		IdleTimeout:         cfg.Pool.IdleTimeout,
		MaxRestarts:         cfg.Pool.MaxRestarts,
		RestartWindow:       cfg.Pool.RestartWindow,
	}, reg, logger)

	bus := events.NewBus(logger)
	gw := gateway.New(p, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("gatewayd: shutdown signal received")
		cancel()
	}()

	go p.Run(ctx)

	var adminErrCh chan error
	if cfg.Admin.Enabled {
		srv := adminhttp.New(adminhttp.Config{
			Addr:       cfg.Admin.Addr,
			AuthSecret: cfg.Admin.AuthSecret,
		}, p, gw, bus, logger)
		adminErrCh = make(chan error, 1)
		go func() { adminErrCh <- srv.Start(ctx) }()
		logger.Info("gatewayd: admin API listening", zap.String("addr", cfg.Admin.Addr))
	}

	<-ctx.Done()

	disposeCtx, disposeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer disposeCancel()
	p.DisposeAll(disposeCtx)
	bus.Close()

	if adminErrCh != nil {
		if err := <-adminErrCh; err != nil {
			logger.Error("gatewayd: admin server error", zap.Error(err))
		}
	}

	logger.Info("gatewayd: clean shutdown complete")
	return nil
}
