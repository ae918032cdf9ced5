package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/avroexport/avroexport/internal/config"
	"github.com/avroexport/avroexport/internal/export"
	"github.com/avroexport/avroexport/internal/observability"
	"github.com/avroexport/avroexport/internal/source"
	"github.com/avroexport/avroexport/internal/storage"
	fsstore "github.com/avroexport/avroexport/internal/storage/fs"
	s3store "github.com/avroexport/avroexport/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("avroexport")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Output validation is the cheapest check; it runs before the source
	// connection or the object store are touched.
	if err := storage.ValidatePrefix(cfg.Export.OutputPrefix); err != nil {
		logger.Error("invalid output prefix", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := source.Open(ctx, source.Config{
		Driver:          cfg.Source.Driver,
		DSN:             cfg.Source.DSN,
		MaxOpenConns:    cfg.Source.MaxOpenConns,
		MaxIdleConns:    cfg.Source.MaxIdleConns,
		ConnMaxLifetime: cfg.Source.ConnMaxLifetime,
		PingTimeout:     cfg.Source.PingTimeout,
	})
	if err != nil {
		logger.Error("failed to open source database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	svc := &export.Service{
		DB:          db,
		ObjectStore: store,
		Config: export.Config{
			Table:        cfg.Export.Table,
			Columns:      cfg.Export.Columns,
			SplitColumn:  cfg.Export.SplitColumn,
			Partitions:   cfg.Export.Partitions,
			LowerBound:   cfg.Export.LowerBound,
			UpperBound:   cfg.Export.UpperBound,
			Where:        cfg.Export.Where,
			FetchSize:    cfg.Export.FetchSize,
			Codec:        cfg.Export.Codec,
			Format:       cfg.Export.Format,
			SchemaName:   cfg.Export.SchemaName,
			Namespace:    cfg.Export.Namespace,
			Doc:          cfg.Export.Doc,
			LogicalTypes: cfg.Export.LogicalTypes,
			OutputPrefix: cfg.Export.OutputPrefix,
			Workers:      cfg.Export.Workers,
		},
		Logger: logger,
	}

	logger.Info("export started",
		slog.String("table", cfg.Export.Table),
		slog.String("prefix", cfg.Export.OutputPrefix),
		slog.String("format", cfg.Export.Format))
	result, runErr := svc.Run(ctx)
	if err := observability.PushMetrics(ctx, cfg.Observability.MetricsPushURL, cfg.Service.Name, cfg.Export.Table); err != nil {
		logger.Warn("metrics push failed", slog.Any("error", err))
	}
	if runErr != nil {
		logger.Error("export failed", slog.Any("error", runErr))
		os.Exit(1)
	}
	logger.Info("export finished",
		slog.Int64("rows", result.Rows),
		slog.Int("shards", len(result.Shards)),
		slog.Duration("elapsed", result.Elapsed))
}

func newObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	if cfg.ObjectStore.Backend == "fs" {
		return fsstore.New(cfg.ObjectStore.FSRoot)
	}
	return s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
}
