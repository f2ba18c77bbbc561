// Package config loads gateway settings. Sources are applied in order:
// built-in defaults, an optional YAML file, FILESTREAM_* environment
// variables and finally command line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"filestream/internal/backend"
)

const envPrefix = "FILESTREAM_"

const (
	BackendMemory = "memory"
	BackendBlob   = "blob"

	CatalogMemory     = "memory"
	CatalogAttributes = "attributes"
	CatalogPostgres   = "postgres"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	PublicURL       string        `yaml:"public_url"`
	Identity        string        `yaml:"identity"`
	Version         string        `yaml:"version"`
	MultiClient     bool          `yaml:"multi_client"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLS           `yaml:"tls"`
	Log             Log           `yaml:"log"`
	Backend         Backend       `yaml:"backend"`
	Catalog         Catalog       `yaml:"catalog"`
	Cache           Cache         `yaml:"cache"`
	HTTP            HTTP          `yaml:"http"`
}

type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Account is one backend connection of the pool.
type Account struct {
	Name      string `yaml:"name"`
	BucketURL string `yaml:"bucket_url"`
}

type Backend struct {
	Driver   string    `yaml:"driver"`
	Accounts []Account `yaml:"accounts"`
	// MaxConcurrentFetches bounds in-flight chunk reads per account.
	MaxConcurrentFetches int64 `yaml:"max_concurrent_fetches"`
	MinChunk             int64 `yaml:"min_chunk"`
	MaxChunk             int64 `yaml:"max_chunk"`
	// SeedDir preloads the memory backend with the files of a directory.
	SeedDir string `yaml:"seed_dir"`
}

type Catalog struct {
	Driver          string `yaml:"driver"`
	BucketURL       string `yaml:"bucket_url"`
	Prefix          string `yaml:"prefix"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	PostgresMaxConn int    `yaml:"postgres_max_conns"`
}

// Cache configures the optional Redis cache in front of the catalog.
type Cache struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	// RedisAddrs lists cluster nodes or sentinels; RedisMasterName selects
	// sentinel mode.
	RedisAddrs      []string      `yaml:"redis_addrs"`
	RedisMasterName string        `yaml:"redis_master_name"`
	RedisTLS        RedisTLS      `yaml:"redis_tls"`
	TTL             time.Duration `yaml:"ttl"`
}

type RedisTLS struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Enabled reports whether the cache is configured at all.
func (c Cache) Enabled() bool {
	return strings.TrimSpace(c.RedisAddr) != "" || len(c.RedisAddrs) > 0
}

type HTTP struct {
	GlobalRPS         float64       `yaml:"rate_global_rps"`
	GlobalBurst       int           `yaml:"rate_global_burst"`
	ClientLimit       int           `yaml:"rate_client_limit"`
	ClientWindow      time.Duration `yaml:"rate_client_window"`
	RateRedisAddr     string        `yaml:"rate_redis_addr"`
	RateRedisPassword string        `yaml:"rate_redis_password"`
	RateRedisTimeout  time.Duration `yaml:"rate_redis_timeout"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	// MediaSources are extra media-src origins for the watch page. The
	// origin of PublicURL is always allowed.
	MediaSources      []string      `yaml:"media_sources"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// Default returns a configuration that serves an empty in-memory backend on
// port 8080.
func Default() Config {
	return Config{
		Addr:            ":8080",
		Identity:        "filestream_bot",
		Version:         "dev",
		ShutdownTimeout: 15 * time.Second,
		Log:             Log{Level: "info", Format: "json"},
		Backend: Backend{
			Driver:               BackendMemory,
			Accounts:             []Account{{Name: "primary"}},
			MaxConcurrentFetches: 8,
			MinChunk:             backend.DefaultGranularity.Min,
			MaxChunk:             backend.DefaultGranularity.Max,
		},
		Catalog: Catalog{Driver: CatalogMemory, Prefix: "files/"},
		Cache:   Cache{TTL: 10 * time.Minute},
		HTTP:    HTTP{ClientWindow: time.Minute},
	}
}

// Granularity returns the configured chunk bounds.
func (c Config) Granularity() backend.Granularity {
	return backend.Granularity{Min: c.Backend.MinChunk, Max: c.Backend.MaxChunk}
}

// Load resolves the configuration for a process started with args. lookupEnv
// is usually os.LookupEnv.
func Load(name string, args []string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default()

	path, err := configPath(args, lookupEnv)
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	fs := newFlagSet(name, &cfg, path)
	fs.SetOutput(io.Discard)

	var envErr error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "config" || envErr != nil {
			return
		}
		key := EnvName(f.Name)
		if value, ok := lookupEnv(key); ok {
			if err := f.Value.Set(strings.TrimSpace(value)); err != nil {
				envErr = fmt.Errorf("config: invalid %s: %w", key, err)
			}
		}
	})
	if envErr != nil {
		return Config{}, envErr
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PrintUsage writes the flag reference with built-in defaults to w.
func PrintUsage(w io.Writer, name string) {
	cfg := Default()
	fs := newFlagSet(name, &cfg, "")
	fs.SetOutput(w)
	fmt.Fprintf(w, "Usage of %s:\n", name)
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nEvery flag can also be set through the environment, e.g. -log-level as %s.\n", EnvName("log-level"))
}

func newFlagSet(name string, cfg *Config, path string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", path, "path to a YAML configuration file")
	cfg.bind(fs)
	return fs
}

// EnvName maps a flag name onto its environment variable.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.PublicURL, "public-url", c.PublicURL, "externally reachable base URL used in watch pages")
	fs.StringVar(&c.Identity, "identity", c.Identity, "pool identity reported by the status endpoint")
	fs.StringVar(&c.Version, "version", c.Version, "version reported by the status endpoint")
	fs.BoolVar(&c.MultiClient, "multi-client", c.MultiClient, "log backend selection at info level")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "time allowed for in-flight streams to drain")
	fs.StringVar(&c.TLS.CertFile, "tls-cert", c.TLS.CertFile, "path to TLS certificate file")
	fs.StringVar(&c.TLS.KeyFile, "tls-key", c.TLS.KeyFile, "path to TLS private key file")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format (json or text)")

	fs.StringVar(&c.Backend.Driver, "backend-driver", c.Backend.Driver, "backend driver (memory or blob)")
	fs.Var((*accountsValue)(&c.Backend.Accounts), "backend-accounts", "comma separated name=bucket-url backend accounts")
	fs.Int64Var(&c.Backend.MaxConcurrentFetches, "backend-max-fetches", c.Backend.MaxConcurrentFetches, "concurrent chunk reads per account")
	fs.Int64Var(&c.Backend.MinChunk, "chunk-min", c.Backend.MinChunk, "smallest chunk size in bytes")
	fs.Int64Var(&c.Backend.MaxChunk, "chunk-max", c.Backend.MaxChunk, "largest chunk size in bytes")
	fs.StringVar(&c.Backend.SeedDir, "backend-seed-dir", c.Backend.SeedDir, "directory preloaded into the memory backend")

	fs.StringVar(&c.Catalog.Driver, "catalog-driver", c.Catalog.Driver, "catalog driver (memory, attributes or postgres)")
	fs.StringVar(&c.Catalog.BucketURL, "catalog-bucket-url", c.Catalog.BucketURL, "bucket read by the attributes catalog")
	fs.StringVar(&c.Catalog.Prefix, "catalog-prefix", c.Catalog.Prefix, "object key prefix of stored files")
	fs.StringVar(&c.Catalog.PostgresDSN, "postgres-dsn", c.Catalog.PostgresDSN, "Postgres connection string")
	fs.IntVar(&c.Catalog.PostgresMaxConn, "postgres-max-conns", c.Catalog.PostgresMaxConn, "maximum connections in the Postgres pool")

	fs.StringVar(&c.Cache.RedisAddr, "redis-addr", c.Cache.RedisAddr, "Redis address for the catalog cache")
	fs.StringVar(&c.Cache.RedisPassword, "redis-password", c.Cache.RedisPassword, "Redis password for the catalog cache")
	fs.Var((*listValue)(&c.Cache.RedisAddrs), "redis-addrs", "comma separated Redis cluster or sentinel addresses for the catalog cache")
	fs.StringVar(&c.Cache.RedisMasterName, "redis-master-name", c.Cache.RedisMasterName, "Redis sentinel master name for the catalog cache")
	fs.StringVar(&c.Cache.RedisTLS.CAFile, "redis-tls-ca", c.Cache.RedisTLS.CAFile, "path to the Redis TLS CA certificate")
	fs.StringVar(&c.Cache.RedisTLS.CertFile, "redis-tls-cert", c.Cache.RedisTLS.CertFile, "path to the Redis TLS client certificate")
	fs.StringVar(&c.Cache.RedisTLS.KeyFile, "redis-tls-key", c.Cache.RedisTLS.KeyFile, "path to the Redis TLS client key")
	fs.StringVar(&c.Cache.RedisTLS.ServerName, "redis-tls-server-name", c.Cache.RedisTLS.ServerName, "override the Redis TLS server name")
	fs.BoolVar(&c.Cache.RedisTLS.InsecureSkipVerify, "redis-tls-skip-verify", c.Cache.RedisTLS.InsecureSkipVerify, "skip Redis TLS verification")
	fs.DurationVar(&c.Cache.TTL, "cache-ttl", c.Cache.TTL, "lifetime of cached file descriptors")

	fs.Float64Var(&c.HTTP.GlobalRPS, "rate-global-rps", c.HTTP.GlobalRPS, "global request rate limit in requests per second")
	fs.IntVar(&c.HTTP.GlobalBurst, "rate-global-burst", c.HTTP.GlobalBurst, "global rate limit burst allowance")
	fs.IntVar(&c.HTTP.ClientLimit, "rate-client-limit", c.HTTP.ClientLimit, "requests per window allowed for one client address")
	fs.DurationVar(&c.HTTP.ClientWindow, "rate-client-window", c.HTTP.ClientWindow, "window for the per-client limit")
	fs.StringVar(&c.HTTP.RateRedisAddr, "rate-redis-addr", c.HTTP.RateRedisAddr, "Redis address sharing the per-client limit")
	fs.StringVar(&c.HTTP.RateRedisPassword, "rate-redis-password", c.HTTP.RateRedisPassword, "Redis password for the per-client limit store")
	fs.DurationVar(&c.HTTP.RateRedisTimeout, "rate-redis-timeout", c.HTTP.RateRedisTimeout, "timeout for rate limit Redis operations")
	fs.Var((*listValue)(&c.HTTP.MediaSources), "media-sources", "comma separated extra origins the watch page may load media from")
	fs.Var((*listValue)(&c.HTTP.CORSOrigins), "cors-origins", "comma separated origins allowed to embed media, or *")
	fs.BoolVar(&c.HTTP.TrustProxyHeaders, "trust-proxy-headers", c.HTTP.TrustProxyHeaders, "trust X-Forwarded-For for client addresses")
	fs.DurationVar(&c.HTTP.WriteTimeout, "write-timeout", c.HTTP.WriteTimeout, "response write timeout, 0 disables")
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls cert and key must be provided together"))
	}
	if strings.Trim(strings.TrimSpace(c.Identity), "@") == "" {
		errs = append(errs, errors.New("identity is required"))
	}
	if err := c.Granularity().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Backend.Accounts) == 0 {
		errs = append(errs, errors.New("at least one backend account is required"))
	}
	seen := make(map[string]struct{}, len(c.Backend.Accounts))
	for i, account := range c.Backend.Accounts {
		if account.Name == "" {
			errs = append(errs, fmt.Errorf("backend account %d has no name", i+1))
		}
		if _, dup := seen[account.Name]; dup {
			errs = append(errs, fmt.Errorf("backend account %q is listed twice", account.Name))
		}
		seen[account.Name] = struct{}{}
	}

	switch c.Backend.Driver {
	case BackendMemory:
		if c.Catalog.Driver != CatalogMemory {
			errs = append(errs, fmt.Errorf("catalog driver %q requires the blob backend", c.Catalog.Driver))
		}
	case BackendBlob:
		for _, account := range c.Backend.Accounts {
			if account.BucketURL == "" {
				errs = append(errs, fmt.Errorf("backend account %q has no bucket url", account.Name))
			}
		}
		switch c.Catalog.Driver {
		case CatalogAttributes:
		case CatalogPostgres:
			if c.Catalog.PostgresDSN == "" {
				errs = append(errs, errors.New("postgres catalog requires postgres-dsn"))
			}
		default:
			errs = append(errs, fmt.Errorf("blob backend needs an attributes or postgres catalog, got %q", c.Catalog.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend driver %q", c.Backend.Driver))
	}

	if c.Backend.SeedDir != "" && c.Backend.Driver != BackendMemory {
		errs = append(errs, errors.New("backend-seed-dir only applies to the memory backend"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// configPath finds -config in args before the full flag set exists, falling
// back to FILESTREAM_CONFIG.
func configPath(args []string, lookupEnv func(string) (string, bool)) (string, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if value, ok := strings.CutPrefix(name, "config="); ok {
			return value, nil
		}
		if name == "config" {
			if i+1 >= len(args) {
				return "", errors.New("config: flag needs an argument: -config")
			}
			return args[i+1], nil
		}
	}
	if value, ok := lookupEnv(envPrefix + "CONFIG"); ok {
		return strings.TrimSpace(value), nil
	}
	return "", nil
}

// accountsValue parses "name=url,name=url". A bare name declares an account
// without a bucket, which the memory backend accepts.
type accountsValue []Account

func (v *accountsValue) String() string {
	if v == nil {
		return ""
	}
	parts := make([]string, 0, len(*v))
	for _, account := range *v {
		if account.BucketURL == "" {
			parts = append(parts, account.Name)
			continue
		}
		parts = append(parts, account.Name+"="+account.BucketURL)
	}
	return strings.Join(parts, ",")
}

func (v *accountsValue) Set(value string) error {
	var accounts []Account
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, bucketURL, _ := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("account %q has no name", item)
		}
		accounts = append(accounts, Account{Name: name, BucketURL: strings.TrimSpace(bucketURL)})
	}
	*v = accounts
	return nil
}

type listValue []string

func (v *listValue) String() string {
	if v == nil {
		return ""
	}
	return strings.Join(*v, ",")
}

func (v *listValue) Set(value string) error {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*v = items
	return nil
}
