package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/beamdrop/beamdrop/internal/bus"
	"github.com/beamdrop/beamdrop/internal/config"
	"github.com/beamdrop/beamdrop/internal/metrics"
	"github.com/beamdrop/beamdrop/internal/relay"
	"github.com/beamdrop/beamdrop/internal/web"
)

// drainWindow bounds graceful shutdown: supervisors, the listener and the
// bus get this long to wind down before the process exits anyway.
const drainWindow = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// Optional .env for development; a missing file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return err
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	m := metrics.New(version)
	r := relay.New(relay.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	})

	var b *bus.Bus
	if cfg.BusEnabled() {
		b, err = bus.New(bus.Options{
			URL:     cfg.RedisURL,
			Prefix:  cfg.RedisPrefix,
			NodeID:  cfg.NodeID,
			Deliver: r.DeliverLocal,
			Logger:  logger,
			OnError: m.ErrorsTotal.Inc,
		})
		if err != nil {
			return err
		}
		r.SetBus(b)
	}

	srv, err := web.New(cfg, logger, m, r)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r.Start()
	if b != nil {
		b.Start()
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpSrv.ListenAndServe()
	}()

	logger.Info("relay listening",
		"addr", cfg.ListenAddr(), "ws_path", cfg.WSPath,
		"node", cfg.NodeID, "bus", cfg.BusEnabled())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainWindow)
	defer cancel()

	r.Shutdown(drainCtx)
	if err := httpSrv.Shutdown(drainCtx); err != nil {
		logger.Warn("listener shutdown", "error", err)
	}
	if b != nil {
		if err := b.Close(); err != nil {
			logger.Warn("bus close", "error", err)
		}
	}

	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
