package main

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"dynadmin/internal/config"
	"dynadmin/internal/store"
	"dynadmin/internal/store/mongostore"
	"dynadmin/internal/store/pgstore"
)

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, error) {
	log.Info("opening store", zap.String("driver", cfg.Driver), zap.String("uri", maskURI(cfg.URI)))

	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "mongo":
		return mongostore.Open(ctx, mongostore.Config{
			URI:            cfg.URI,
			Database:       cfg.Database,
			MaxPoolSize:    uint64(cfg.MaxPoolSize),
			ConnectTimeout: cfg.ConnectTimeout,
		}, log)
	case "postgres":
		return pgstore.Open(ctx, pgstore.Config{
			URL:            cfg.URI,
			MaxOpenConns:   cfg.MaxPoolSize,
			ConnectTimeout: cfg.ConnectTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// maskURI hides the password of a connection URI for logging.
func maskURI(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid uri>"
	}
	return u.Redacted()
}
