package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DotmacTech/isp-management-main-sub004/internal/api"
	"github.com/DotmacTech/isp-management-main-sub004/internal/config"
)

func serveCommand(settings func() *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the activation HTTP API and lease reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(commandContext(cmd), settings())
		},
	}
}

func runServe(parent context.Context, cfg *config.Settings) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info().
		Str("version", cfg.Version).
		Str("listen", cfg.ListenAddr()).
		Str("node_id", a.engine.NodeID()).
		Str("database", cfg.DatabaseDriver).
		Msg("Starting activator")

	go a.engine.RunLeaseReaper(ctx, cfg.ReaperInterval)

	srv := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     api.NewRouter(a.service, a.pinger(), cfg.Version),
		ReadTimeout: 15 * time.Second,
		// Start requests run the workflow inline.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr()).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
	return nil
}
