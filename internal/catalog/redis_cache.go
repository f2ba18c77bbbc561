package catalog

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisCacheConfig configures the Redis read-through cache.
type RedisCacheConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	KeyPrefix    string
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	Logger       *slog.Logger
	TLS          RedisTLSConfig
}

const (
	defaultRedisKeyPrefix = "filestream:file:"
	defaultRedisTTL       = 10 * time.Minute
)

// RedisCache caches successful lookups of the wrapped Catalog in Redis.
// Misses are never cached and Redis failures degrade to the wrapped catalog.
type RedisCache struct {
	next   Catalog
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache connects to Redis and wraps next.
func NewRedisCache(next Catalog, cfg RedisCacheConfig) (*RedisCache, error) {
	if next == nil {
		return nil, fmt.Errorf("redis cache requires a backing catalog")
	}
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return newRedisCache(next, client, cfg.KeyPrefix, cfg.TTL, cfg.Logger), nil
}

func newRedisCache(next Catalog, client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{next: next, client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Lookup implements Catalog.
func (c *RedisCache) Lookup(ctx context.Context, fileID int64) (Entry, error) {
	key := c.key(fileID)
	cached, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var entry Entry
		decodeErr := json.Unmarshal(cached, &entry)
		if decodeErr == nil {
			return entry, nil
		}
		c.logger.Warn("discarding corrupt cached file entry", "file_id", fileID, "error", decodeErr)
	case errors.Is(err, redis.Nil):
	default:
		if ctx.Err() != nil {
			return Entry{}, ctx.Err()
		}
		c.logger.Warn("redis cache lookup failed", "file_id", fileID, "error", err)
	}

	entry, err := c.next.Lookup(ctx, fileID)
	if err != nil {
		return Entry{}, err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return entry, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("redis cache store failed", "file_id", fileID, "error", err)
	}
	return entry, nil
}

// Invalidate drops the cached entry for fileID.
func (c *RedisCache) Invalidate(ctx context.Context, fileID int64) error {
	return c.client.Del(ctx, c.key(fileID)).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(fileID int64) string {
	return c.prefix + strconv.FormatInt(fileID, 10)
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
