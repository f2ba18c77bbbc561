package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"filestream/internal/backend"
	"filestream/internal/models"
)

// PostgresConfig describes the connection pool behind the Postgres catalog.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS media_files (
	id BIGINT PRIMARY KEY,
	canonical_id TEXT NOT NULL,
	size BIGINT NOT NULL CHECK (size >= 0),
	mime_type TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres is a Catalog stored in the media_files table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool using cfg. Call Migrate before first use against a
// fresh database.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if name := strings.TrimSpace(cfg.ApplicationName); name != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = name
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the media_files table when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("postgres catalog pool not configured")
	}
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate media_files: %w", classifyPostgresError(err))
	}
	return nil
}

// Lookup implements Catalog.
func (p *Postgres) Lookup(ctx context.Context, fileID int64) (Entry, error) {
	if p.pool == nil {
		return Entry{}, fmt.Errorf("postgres catalog pool not configured")
	}
	row := p.pool.QueryRow(ctx, `
SELECT canonical_id, size, mime_type, display_name, object_key
FROM media_files
WHERE id = $1
`, fileID)
	entry := Entry{File: models.FileDescriptor{ID: fileID}}
	if err := row.Scan(&entry.File.CanonicalID, &entry.File.Size, &entry.File.MimeType, &entry.File.DisplayName, &entry.ObjectKey); err != nil {
		return Entry{}, fmt.Errorf("lookup file %d: %w", fileID, classifyPostgresError(err))
	}
	return entry, nil
}

// Put inserts or replaces an entry.
func (p *Postgres) Put(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if p.pool == nil {
		return fmt.Errorf("postgres catalog pool not configured")
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO media_files (id, canonical_id, size, mime_type, display_name, object_key)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	canonical_id = EXCLUDED.canonical_id,
	size = EXCLUDED.size,
	mime_type = EXCLUDED.mime_type,
	display_name = EXCLUDED.display_name,
	object_key = EXCLUDED.object_key
`, entry.File.ID, entry.File.CanonicalID, entry.File.Size, entry.File.MimeType, entry.File.DisplayName, entry.ObjectKey)
	if err != nil {
		return fmt.Errorf("store file %d: %w", entry.File.ID, classifyPostgresError(err))
	}
	return nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("postgres catalog pool not configured")
	}
	return classifyPostgresError(p.pool.Ping(ctx))
}

// Close releases the pool, giving up when ctx expires.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func classifyPostgresError(err error) error {
	switch {
	case err == nil:
		return nil
	case isNoRows(err):
		return backend.ErrNotFound
	case isUnavailable(err):
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	default:
		return err
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUnavailable(err error) bool {
	if errors.Is(err, puddle.ErrClosedPool) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return pgconn.Timeout(err)
}
