package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	"filestream/internal/api"
	"filestream/internal/backend"
	"filestream/internal/backend/blobstore"
	"filestream/internal/backend/memory"
	"filestream/internal/catalog"
	"filestream/internal/config"
	"filestream/internal/gateway"
	"filestream/internal/models"
	"filestream/internal/observability/metrics"
	"filestream/internal/render"
	"filestream/internal/server"
	"filestream/internal/serverutil"
)

const closeTimeout = 5 * time.Second

// app holds the wired components and the resources to release on exit.
type app struct {
	pool    *backend.Pool
	handler *api.Handler
	server  *server.Server
	logger  *slog.Logger

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

func (a *app) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// close releases resources in reverse acquisition order.
func (a *app) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			logger.Warn("failed to close resource", "resource", c.name, "error", err)
		}
	}
	a.closers = nil
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close(logger)
		}
	}()

	var checks []api.HealthCheck
	var clients []backend.Client
	switch cfg.Backend.Driver {
	case config.BackendMemory:
		store := memory.NewStore()
		if cfg.Backend.SeedDir != "" {
			count, err := seedStore(store, cfg.Backend.SeedDir)
			if err != nil {
				return nil, err
			}
			logger.Info("seeded memory backend", "dir", cfg.Backend.SeedDir, "files", count)
		}
		for _, account := range cfg.Backend.Accounts {
			clients = append(clients, memory.NewClient(account.Name, store))
		}
	case config.BackendBlob:
		cat, catChecks, err := openCatalog(ctx, a, cfg, logger)
		if err != nil {
			return nil, err
		}
		checks = append(checks, catChecks...)
		for _, account := range cfg.Backend.Accounts {
			client, err := blobstore.Open(ctx, account.Name, account.BucketURL, cat, blobstore.Options{
				MaxConcurrentFetches: cfg.Backend.MaxConcurrentFetches,
			})
			if err != nil {
				for _, opened := range clients {
					_ = opened.(*blobstore.Client).Close()
				}
				return nil, err
			}
			clients = append(clients, client)
		}
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}

	pool, err := backend.NewPool(cfg.Identity, cfg.Granularity(), clients...)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.onClose("backend pool", func(context.Context) error { return pool.Close() })

	gw, err := gateway.New(gateway.Config{
		Pool:        pool,
		Logger:      logger,
		MultiClient: cfg.MultiClient,
		Observer:    recorder,
	})
	if err != nil {
		return nil, err
	}
	renderer, err := render.New(cfg.PublicURL)
	if err != nil {
		return nil, err
	}
	a.handler = api.NewHandler(gw, renderer, logger, cfg.Version)
	a.handler.Checks = checks

	srv, err := server.New(a.handler, server.Config{
		Addr: cfg.Addr,
		TLS:  serverutil.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.HTTP.GlobalRPS,
			GlobalBurst:   cfg.HTTP.GlobalBurst,
			ClientLimit:   cfg.HTTP.ClientLimit,
			ClientWindow:  cfg.HTTP.ClientWindow,
			RedisAddr:     cfg.HTTP.RateRedisAddr,
			RedisPassword: cfg.HTTP.RateRedisPassword,
			RedisTimeout:  cfg.HTTP.RateRedisTimeout,
		},
		CORS:              server.CORSConfig{AllowedOrigins: cfg.HTTP.CORSOrigins},
		Security:          server.SecurityConfig{MediaSources: mediaSources(cfg)},
		TrustProxyHeaders: cfg.HTTP.TrustProxyHeaders,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Logger:            logger,
		Metrics:           recorder,
	})
	if err != nil {
		return nil, err
	}
	a.server = srv
	return a, nil
}

// mediaSources lists the CSP media origins besides 'self': the configured
// extras plus the origin of the public URL that watch pages link to.
func mediaSources(cfg config.Config) []string {
	sources := append([]string(nil), cfg.HTTP.MediaSources...)
	if u, err := url.Parse(strings.TrimSpace(cfg.PublicURL)); err == nil && u.Scheme != "" && u.Host != "" {
		origin := u.Scheme + "://" + u.Host
		if !slices.Contains(sources, origin) {
			sources = append(sources, origin)
		}
	}
	return sources
}

// openCatalog builds the descriptor catalog used by blob accounts, wrapped in
// the Redis cache when one is configured.
func openCatalog(ctx context.Context, a *app, cfg config.Config, logger *slog.Logger) (catalog.Catalog, []api.HealthCheck, error) {
	var cat catalog.Catalog
	var checks []api.HealthCheck
	switch cfg.Catalog.Driver {
	case config.CatalogAttributes:
		bucketURL := cfg.Catalog.BucketURL
		if bucketURL == "" && len(cfg.Backend.Accounts) > 0 {
			bucketURL = cfg.Backend.Accounts[0].BucketURL
		}
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open catalog bucket: %w", err)
		}
		a.onClose("catalog bucket", func(context.Context) error { return bucket.Close() })
		attrs, err := catalog.NewAttributes(bucket, cfg.Catalog.Prefix)
		if err != nil {
			return nil, nil, err
		}
		cat = attrs
	case config.CatalogPostgres:
		pg, err := catalog.NewPostgres(ctx, catalog.PostgresConfig{
			DSN:             cfg.Catalog.PostgresDSN,
			MaxConnections:  int32(cfg.Catalog.PostgresMaxConn),
			ApplicationName: "filestream",
		})
		if err != nil {
			return nil, nil, err
		}
		a.onClose("postgres catalog", pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		cat = pg
		checks = append(checks, api.HealthCheck{Component: "postgres", Ping: pg.Ping})
	default:
		return nil, nil, fmt.Errorf("catalog driver %q cannot serve blob accounts", cfg.Catalog.Driver)
	}

	if !cfg.Cache.Enabled() {
		return cat, checks, nil
	}
	cache, err := catalog.NewRedisCache(cat, catalog.RedisCacheConfig{
		Addr:       cfg.Cache.RedisAddr,
		Addrs:      cfg.Cache.RedisAddrs,
		Password:   cfg.Cache.RedisPassword,
		MasterName: cfg.Cache.RedisMasterName,
		TTL:        cfg.Cache.TTL,
		Logger:     logger,
		TLS: catalog.RedisTLSConfig{
			CAFile:             cfg.Cache.RedisTLS.CAFile,
			CertFile:           cfg.Cache.RedisTLS.CertFile,
			KeyFile:            cfg.Cache.RedisTLS.KeyFile,
			ServerName:         cfg.Cache.RedisTLS.ServerName,
			InsecureSkipVerify: cfg.Cache.RedisTLS.InsecureSkipVerify,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	a.onClose("catalog cache", func(context.Context) error { return cache.Close() })
	checks = append(checks, api.HealthCheck{Component: "redis", Ping: cache.Ping})
	return cache, checks, nil
}

// seedStore loads every regular file of dir into store. Files get ids from 1
// in name order.
func seedStore(store *memory.Store, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read seed dir: %w", err)
	}
	var id int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return int(id), fmt.Errorf("read seed file: %w", err)
		}
		id++
		store.Put(models.FileDescriptor{
			ID:          id,
			CanonicalID: catalog.CanonicalID(entry.Name(), int64(len(data)), ""),
			MimeType:    mime.TypeByExtension(filepath.Ext(entry.Name())),
			DisplayName: entry.Name(),
		}, data)
	}
	return int(id), nil
}

// serve runs the HTTP server until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	ready := make(chan struct{})
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.server.Run(ctx, ready)
	})
	group.Go(func() error {
		select {
		case <-ready:
			a.logger.Info("gateway ready", "status", "/", "health", "/healthz")
		case <-ctx.Done():
		}
		return nil
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
