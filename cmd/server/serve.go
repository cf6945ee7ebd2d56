package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dynadmin/internal/api"
	"dynadmin/internal/config"
	"dynadmin/internal/logger"
	"dynadmin/internal/registry"
	"dynadmin/internal/remote"
	"dynadmin/internal/watcher"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the configuration watcher (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	log := logger.New(loggerConfig(cfg))
	defer func() { _ = log.Sync() }()

	log.Info("Starting dynadmin",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("addr", cfg.Addr()),
		zap.String("config_url", cfg.Remote.URL))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store, log.Named("store"))
	if err != nil {
		log.Error("Failed to open store", zap.Error(err))
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			log.Warn("store close failed", zap.Error(err))
		}
	}()

	reg := registry.New(st, log.Named("registry"))
	src := remote.NewSource(remote.Options{
		URL:           cfg.Remote.URL,
		PublishURL:    cfg.Remote.PublishURL,
		MasterKey:     cfg.Remote.MasterKey,
		AccessKey:     cfg.Remote.AccessKey,
		Timeout:       cfg.Remote.Timeout,
		KnownEntities: cfg.Remote.KnownEntities,
	}, log.Named("remote"))
	w := watcher.New(src, reg, log.Named("watcher"), watcher.Config{
		Interval: cfg.Remote.PollInterval,
		Timeout:  cfg.Remote.Timeout,
	})
	w.OnReload(func(s watcher.Snapshot) {
		log.Info("entity routes now serve", zap.Strings("entities", s.Entities), zap.String("hash", s.Hash))
	})

	// первая загрузка до старта HTTP; при ошибке сервер поднимается пустым
	if _, err := w.Poll(ctx); err != nil {
		log.Warn("initial config load failed, serving without entities until the next poll", zap.Error(err))
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	publisher, _ := src.(remote.Publisher)
	router := api.NewRouter(api.Options{
		Models:        reg,
		Store:         st,
		Log:           log,
		Poller:        w,
		Publisher:     publisher,
		KnownEntities: cfg.Remote.KnownEntities,
		CORS:          corsConfig(cfg),
		MaxBodySize:   cfg.HTTP.MaxBodySize,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			_ = w.Stop(context.Background())
			return err
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := w.Stop(shutdownCtx); err != nil {
		log.Warn("watcher stop timed out", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
		return err
	}
	log.Info("Server exited gracefully")
	return nil
}

func corsConfig(cfg *config.Config) api.CORSConfig {
	c := api.DefaultCORSConfig()
	c.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	return c
}
