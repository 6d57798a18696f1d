package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mxcrypt/internal/app"
	"mxcrypt/internal/relay"
)

func main() {
	var (
		addr string
		logs app.LogConfig
	)
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "In-memory development relay for mxcrypt devices",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), addr, logs)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&logs.Level, "log-level", "info", "log level")
	cmd.Flags().StringVar(&logs.Format, "log-format", "console", "log format (console or json)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string, logs app.LogConfig) error {
	log, err := app.NewLogger(logs, os.Stderr)
	if err != nil {
		return err
	}
	log = log.With().Str("component", "relay").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", relay.NewServer().Handler(log))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Relay listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
