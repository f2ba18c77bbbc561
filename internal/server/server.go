package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"filestream/internal/api"
	"filestream/internal/observability/logging"
	"filestream/internal/observability/metrics"
	"filestream/internal/serverutil"
)

// Config holds the listener and middleware settings. WriteTimeout defaults to
// zero because a single response may stream a multi-gigabyte file.
type Config struct {
	Addr              string
	TLS               serverutil.TLSConfig
	RateLimit         RateLimitConfig
	CORS              CORSConfig
	Security          SecurityConfig
	TrustProxyHeaders bool
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Server is the HTTP front of the gateway.
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	metrics         *metrics.Recorder
	rateLimiter     *rateLimiter
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
}

// New mounts the handler routes behind the middleware chain.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	cors, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handler.Status)
	mux.HandleFunc("GET /healthz", handler.Health)
	mux.Handle("GET /metrics", recorder.Handler())
	mux.HandleFunc("GET /watch/{path...}", handler.Watch)
	mux.HandleFunc("GET /{path...}", handler.Media)

	rl := newRateLimiter(cfg.RateLimit)
	ips := clientIPResolver{trustProxy: cfg.TrustProxyHeaders}

	chain := http.Handler(mux)
	chain = rateLimitMiddleware(rl, ips, logger, chain)
	chain = corsMiddleware(cors, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		Quiet:  []string{"/healthz", "/metrics"},
	})(chain)
	chain = requestIDMiddleware(logger, chain)

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer:      httpServer,
		logger:          logger,
		metrics:         recorder,
		rateLimiter:     rl,
		tls:             cfg.TLS,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains in-flight streams.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr, "tls", s.tls.Enabled())
	err := serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		OnShutdown: []func(context.Context) error{
			func(context.Context) error { return s.rateLimiter.Close() },
		},
	})
	if err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func rateLimitMiddleware(rl *rateLimiter, ips clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		allowed, retryAfter, err := rl.AllowClient(r.Context(), ips.resolve(r))
		if err != nil {
			// Store failures fail open.
			loggerWithRequestContext(r, logger).Warn("rate limiter failure", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if retryAfter > 0 {
				seconds := int(retryAfter.Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", max(seconds, 1)))
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
