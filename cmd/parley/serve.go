package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/parley/internal/app"
	"github.com/ent0n29/parley/internal/config"
)

func newServeCmd() *cobra.Command {
	var bindAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			log := rt.Logger
			defer func() {
				if err := rt.Cleanup(); err != nil {
					log.WithError(err).Warn("cleanup failed")
				}
			}()

			httpServer := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: rt.API.Router(),
			}

			errCh := make(chan error, 1)
			go func() {
				log.WithField("addr", cfg.BindAddr).Info("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("listen error: %w", err)
				}
			case <-ctx.Done():
				log.Info("shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("graceful shutdown failed")
				_ = httpServer.Close()
			}
			log.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&bindAddr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
	return cmd
}
