package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tempohq/tempo/go/internal/config"
	"github.com/tempohq/tempo/go/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the timer API and realtime gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Str("config", configPath).Msg("starting tempo")

	services, err := setupServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer services.Close()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		services.Realtime.Start(ctx)
	}()

	server := setupServer(cfg, services)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		<-hubDone
		return err
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, gracefully stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error stopping HTTP server")
	}
	<-hubDone

	log.Info().Msg("tempo stopped")
	return nil
}

func setupServer(cfg *config.Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	// The timer widget runs inside third-party host pages.
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	services.Timer.RegisterRoutes(mux, services.Authenticator.Middleware)
	services.Realtime.RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	setupHealthCheck(mux, services)

	handler := c.Handler(mux)

	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// setupHealthCheck fails only on the entry store; a Redis outage degrades
// authentication but the process is still serving.
func setupHealthCheck(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := services.Repo.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("health check: entry store unreachable")
			http.Error(w, "entry store unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := services.Sessions.Healthy(ctx); err != nil {
			log.Warn().Err(err).Msg("health check: session registry unreachable")
		}

		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
