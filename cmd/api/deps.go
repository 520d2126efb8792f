package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"sitecontrol/api/internal/app"
	"sitecontrol/api/internal/cache"
	"sitecontrol/api/internal/config"
	"sitecontrol/api/internal/controls"
	"sitecontrol/api/internal/export"
	"sitecontrol/api/internal/media"
	"sitecontrol/api/internal/metrics"
	"sitecontrol/api/internal/search"
	"sitecontrol/api/internal/session"
	"sitecontrol/api/internal/store"
)

// deps is the wired service graph.
type deps struct {
	db       *sql.DB
	remote   *store.PostgresStore
	local    cache.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	search   *search.Service
	meili    *search.Meili
	controls *controls.Service
	exporter *export.Service
	revoked  app.Revocations
	sessions *session.RedisStore
}

func buildDeps(ctx context.Context, cfg config.Config, logger *zap.Logger) (*deps, error) {
	d := &deps{registry: prometheus.NewRegistry()}
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = metrics.New(d.registry)

	db, err := store.Connect(cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	d.db = db
	d.remote = store.NewPostgresStore(db)
	if err := d.remote.Ping(ctx); err != nil {
		logger.Warn("remote store unreachable at startup, saves will fall back to the local cache", zap.Error(err))
	}

	local, err := cache.Open(ctx, cache.Options{
		Driver:      cfg.Cache.Driver,
		SQLitePath:  cfg.Cache.Path,
		RedisURL:    cfg.Redis.URL,
		RedisPrefix: cfg.Cache.Prefix,
	}, logger)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	d.local = local

	// Revocations share Redis with the cache when it is configured; a single
	// SQLite-backed instance keeps them in memory.
	d.revoked = session.NewMemoryStore()
	if cfg.Cache.Driver == cache.DriverRedis {
		sessions, err := session.NewRedisStore(cfg.Redis.URL, cfg.Cache.Prefix)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("open session store: %w", err)
		}
		d.sessions, d.revoked = sessions, sessions
	}

	if strings.TrimSpace(cfg.Meili.URL) != "" {
		d.meili = search.NewMeili(cfg.Meili.URL, cfg.Meili.Key, logger)
	}
	d.search = search.NewService(d.meili, search.NewPgFTS(db), logger)

	d.controls = controls.NewService(d.local, d.remote,
		controls.WithIndexer(d.search),
		controls.WithMetrics(d.metrics),
		controls.WithLogger(logger),
	)

	pipeline, err := newPipeline(cfg, logger, d.metrics)
	if err != nil {
		d.close()
		return nil, err
	}
	d.exporter = export.NewService(pipeline, logger)
	return d, nil
}

func newPipeline(cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*media.Pipeline, error) {
	for _, dir := range []string{cfg.Media.ScratchDir, cfg.Media.LocalRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	opts := media.Options{
		ScratchDir:        cfg.Media.ScratchDir,
		ScratchTTL:        cfg.Media.ScratchTTL,
		LocalRoot:         cfg.Media.LocalRoot,
		MaxBytes:          cfg.Media.MaxBytes,
		HTTPTimeout:       cfg.Media.HTTPTimeout,
		AllowPrivateHosts: cfg.Media.AllowPrivateHosts,
		Concurrency:       cfg.Media.Concurrency,
		Logger:            logger,
		Metrics:           m,
	}
	if cfg.S3.Endpoint != "" {
		s3, err := media.NewS3Fetcher(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Secure)
		if err != nil {
			return nil, fmt.Errorf("s3 fetcher: %w", err)
		}
		opts.S3 = s3
	}
	return media.New(opts), nil
}

func (d *deps) close() {
	if d.meili != nil {
		d.meili.Close()
	}
	if d.sessions != nil {
		_ = d.sessions.Close()
	}
	if d.local != nil {
		_ = d.local.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}
