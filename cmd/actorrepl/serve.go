package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rivet-gg/actorrepl/internal/logging"
	"github.com/rivet-gg/actorrepl/metrics"
	"github.com/rivet-gg/actorrepl/transport"
	"github.com/rivet-gg/actorrepl/worker"
)

const shutdownGrace = 10 * time.Second

func createServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution worker over websockets",
		Long: `Serve the execution worker for UIs and remote CLI sessions.

Endpoints:
  /worker   websocket; one session per connection
  /metrics  Prometheus metrics
  /healthz  liveness probe`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}

			logger := newLogger(cfg, cmd.ErrOrStderr())
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			w, err := newWorker(cfg, metrics.New(reg), logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           serveMux(ctx, w, reg, logger),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}
			return listenAndServe(ctx, srv, logger)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config, :7070)")

	return cmd
}

// serveMux routes the worker, metrics and health endpoints.
func serveMux(ctx context.Context, w *worker.Worker, reg *prometheus.Registry, logger *logging.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /worker", transport.Handler(func(_ context.Context, conn transport.Conn) {
		logger.Info("worker session opened")
		// Sessions end with the server, not with the upgrade request.
		err := w.Serve(ctx, conn)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("worker session failed", "error", err)
			return
		}
		logger.Info("worker session closed")
	}))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = rw.Write([]byte("ok\n"))
	})
	return mux
}

func listenAndServe(ctx context.Context, srv *http.Server, logger *logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
