// Command gateway serves files held on a chunked storage backend over HTTP
// with byte-range support.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"filestream/internal/config"
	"filestream/internal/observability/logging"
	"filestream/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:], os.LookupEnv)
	if errors.Is(err, flag.ErrHelp) {
		config.PrintUsage(os.Stdout, os.Args[0])
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics.Default()); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) error {
	app, err := build(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer app.close(logger)

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"identity", app.pool.Identity(),
		"backend", cfg.Backend.Driver,
		"catalog", cfg.Catalog.Driver,
		"accounts", app.pool.Len(),
		"tls", cfg.TLS.CertFile != "",
		"version", cfg.Version,
	)
	return app.serve(ctx)
}
