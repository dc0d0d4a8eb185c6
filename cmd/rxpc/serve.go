package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var flagMetricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a /healthz and /metrics HTTP mux for this process's own collectors",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagMetricsAddr, "addr", envOr("RXPC_METRICS_ADDR", ":9090"), "address the /healthz and /metrics mux listens on")
}

// runServe exposes internal/metrics' collectors over chi. It never
// advertises or brokers device listeners; it only serves this process's
// own health and Prometheus scrape endpoints.
func runServe(cmd *cobra.Command, args []string) error {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: flagMetricsAddr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", flagMetricsAddr).Msg("serving /healthz and /metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
