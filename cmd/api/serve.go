package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitecontrol/api/internal/app"
	"sitecontrol/api/internal/logging"
	"sitecontrol/api/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	if applied, err := store.ApplyMigrations(ctx, d.db, cfg.Migrations.Dir, logger); err != nil {
		logger.Warn("migrations not applied, remote store may be unavailable", zap.Error(err))
	} else if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	if d.meili != nil {
		go d.search.ReindexAllFromPG(ctx)
	}

	service := app.NewService(app.Options{
		Secret:      cfg.Auth.Secret,
		TokenTTL:    cfg.Auth.TokenTTL,
		Controls:    d.controls,
		Exporter:    d.exporter,
		Search:      d.search,
		Revocations: d.revoked,
		Ready: map[string]app.Pinger{
			"database": d.remote,
			"cache":    d.local,
		},
		Logger: logger,
	})
	httpServer := app.NewHTTPServer(service, cfg.CORS.Origin, d.metrics, d.registry)
	server := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("site control API listening", zap.String("addr", cfg.API.Addr), zap.String("cache", cfg.Cache.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
