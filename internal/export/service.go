package export

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hamba/avro/v2"
	"golang.org/x/sync/errgroup"

	"github.com/avroexport/avroexport/internal/observability"
	"github.com/avroexport/avroexport/internal/storage"
)

// Service runs one export end to end: probe the source once for the frozen
// schema, persist it, plan the partition queries, persist them, fan the
// shards out over a bounded worker pool, and persist the metrics snapshot
// after every shard has joined. The metrics file is written only on full
// success; a run that failed leaves no metrics artifact behind.
type Service struct {
	DB          *sql.DB
	ObjectStore storage.ObjectStore
	Partitioner Partitioner
	Writer      ShardWriter
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type Config struct {
	Table        string
	Columns      string
	SplitColumn  string
	Partitions   int
	LowerBound   int64
	UpperBound   int64
	Where        string
	FetchSize    int
	Codec        string
	Format       string
	SchemaName   string
	Namespace    string
	Doc          string
	LogicalTypes bool
	OutputPrefix string
	Workers      int
}

type RunResult struct {
	Schema  avro.Schema
	Queries []Query
	Shards  []ShardResult
	Metrics map[string]float64
	Rows    int64
	Elapsed time.Duration
}

func (s *Service) Run(ctx context.Context) (RunResult, error) {
	s.ensureDefaults()
	start := s.Clock()

	result, err := s.run(ctx, start)
	elapsed := s.Clock().Sub(start)
	if err != nil {
		observability.ObserveRunFailure(elapsed)
		if s.Logger != nil {
			s.Logger.ErrorContext(ctx, "export run failed",
				slog.String("table", s.Config.Table),
				slog.String("prefix", s.Config.OutputPrefix),
				slog.Any("error", err))
		}
		return RunResult{}, err
	}
	result.Elapsed = elapsed
	observability.ObserveRunSuccess(result.Rows, len(result.Shards), elapsed)
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "export run complete",
			slog.String("table", s.Config.Table),
			slog.String("prefix", s.Config.OutputPrefix),
			slog.Int("shards", len(result.Shards)),
			slog.Int64("rows", result.Rows),
			slog.Duration("elapsed", elapsed))
	}
	return result, nil
}

func (s *Service) run(ctx context.Context, start time.Time) (RunResult, error) {
	// Validate the output location before touching the source.
	if _, err := storage.BuildSchemaFilePath(s.Config.OutputPrefix); err != nil {
		return RunResult{}, err
	}

	metrics := NewRunMetrics()
	persister := &ResultPersister{Store: s.ObjectStore}

	probeStart := s.Clock()
	schema, err := InferSchema(ctx, s.DB, ProbeOptions{
		Table:        s.Config.Table,
		Columns:      s.Config.Columns,
		Name:         s.Config.SchemaName,
		Namespace:    s.Config.Namespace,
		Doc:          s.Config.Doc,
		LogicalTypes: s.Config.LogicalTypes,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("infer schema: %w", err)
	}
	metrics.ObserveSchemaInfer(s.Clock().Sub(probeStart).Milliseconds())

	if _, err := persister.PersistSchema(ctx, s.Config.OutputPrefix, schema); err != nil {
		return RunResult{}, err
	}

	queries, err := s.Partitioner.Partition(PartitionSpec{
		Table:       s.Config.Table,
		Columns:     s.Config.Columns,
		SplitColumn: s.Config.SplitColumn,
		Partitions:  s.Config.Partitions,
		LowerBound:  s.Config.LowerBound,
		UpperBound:  s.Config.UpperBound,
		Where:       s.Config.Where,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("partition: %w", err)
	}
	for _, query := range queries {
		if _, err := persister.PersistQuery(ctx, s.Config.OutputPrefix, query); err != nil {
			return RunResult{}, err
		}
	}
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "export planned",
			slog.String("table", s.Config.Table),
			slog.Int("partitions", len(queries)),
			slog.Int("workers", s.Config.Workers))
	}

	shards := make([]ShardResult, len(queries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.Config.Workers)
	for i, query := range queries {
		group.Go(func() error {
			shard, err := s.Writer.WriteShard(groupCtx, ShardTask{
				Query:        query,
				Schema:       schema,
				OutputPrefix: s.Config.OutputPrefix,
				Codec:        s.Config.Codec,
				FetchSize:    s.Config.FetchSize,
			})
			if err != nil {
				return err
			}
			metrics.AddRows(shard.Rows)
			metrics.AddShardBytes(shard.Bytes)
			metrics.PartitionCompleted()
			shards[i] = shard
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return RunResult{}, err
	}

	snapshot, err := metrics.Snapshot()
	if err != nil {
		return RunResult{}, err
	}
	if _, err := persister.PersistMetrics(ctx, s.Config.OutputPrefix, snapshot); err != nil {
		return RunResult{}, err
	}

	var rows int64
	for _, shard := range shards {
		rows += shard.Rows
	}
	return RunResult{
		Schema:  schema,
		Queries: queries,
		Shards:  shards,
		Metrics: snapshot,
		Rows:    rows,
	}, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Partitioner == nil {
		s.Partitioner = RangePartitioner{}
	}
	if s.Config.Workers <= 0 {
		s.Config.Workers = 4
	}
	if s.Writer == nil {
		switch s.Config.Format {
		case "parquet":
			s.Writer = &ParquetShardWriter{DB: s.DB, Store: s.ObjectStore}
		default:
			s.Writer = &AvroShardWriter{DB: s.DB, Store: s.ObjectStore}
		}
	}
}
