package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/notebookrelay/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides addr from config)")
	return cmd
}

func (a *app) handler() (*httpapi.Server, error) {
	return httpapi.NewServerWithConfig(a.service, httpapi.ServerConfig{
		JWTSecret:       a.cfg.Auth.JWTSecret,
		RateLimitMax:    a.cfg.Auth.RateLimitMax,
		RateLimitWindow: a.cfg.Auth.RateLimitWindow,
		MaxBodyBytes:    a.cfg.Auth.MaxBodyBytes,
		AllowedOrigins:  a.cfg.Auth.AllowedOrigins,
		Version:         version,
		Session:         a.session,
		Events:          a.events,
		Gatherer:        a.registry,
		Logger:          a.logger,
	})
}

// serve runs the HTTP server until ctx is done, then drains in-flight
// requests.
func (a *app) serve(ctx context.Context) error {
	handler, err := a.handler()
	if err != nil {
		return err
	}
	if a.cfg.Auth.JWTSecret == "" {
		a.logger.Warn("bearer auth disabled: auth.jwt_secret is empty")
	}
	a.watchSession(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("notebookrelay listening", "addr", a.cfg.Addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("notebookrelay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// watchSession reloads the storage-state file in the background while ctx
// lives.
func (a *app) watchSession(ctx context.Context) {
	if !a.cfg.Session.Watch {
		return
	}
	go func() {
		if err := a.session.Watch(ctx); err != nil {
			a.logger.Warn("session watcher stopped", "error", err)
		}
	}()
}
