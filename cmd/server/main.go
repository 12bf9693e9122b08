// Command pongnet-server runs the rendezvous server peers use to find each
// other and, in relay mode, to exchange packets.
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"pongnet/internal/platform/config"
	"pongnet/internal/platform/otel"
	"pongnet/pkg/metrics"
	"pongnet/pkg/signaling"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "pongnet-server",
		Short:         "Rendezvous and relay server for pongnet peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), versionCmd())
	if err := rootCmd.Execute(); err != nil {
		config.Exitf("pongnet-server: %v", err)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve rooms over websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRendezvous()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides PONGNET_LISTEN_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Rendezvous) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "pongnet-server")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := signaling.NewServer(signaling.ServerConfig{
		MaxRooms:       cfg.MaxRooms,
		MaxPlayers:     cfg.MaxPlayers,
		WriteTimeout:   cfg.WriteTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Metrics:        metrics.NewRendezvous(metrics.WithRegistry(reg)),
		Gatherer:       reg,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rendezvous listening", "addr", cfg.ListenAddr, "max_rooms", cfg.MaxRooms, "max_players", cfg.MaxPlayers)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	srv.Close()
	return httpSrv.Shutdown(sctx)
}
