package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver      string // sqlite|redis (default sqlite)
	SQLitePath  string
	RedisURL    string
	RedisPrefix string
}

// Open selects a Store implementation from opts.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = "./data/controls-cache.db"
		}
		return OpenSQLite(ctx, path, logger)
	case DriverRedis:
		return NewRedisStore(opts.RedisURL, opts.RedisPrefix, logger)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, opts.Driver)
	}
}
