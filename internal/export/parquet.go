package export

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/hamba/avro/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/avroexport/avroexport/internal/storage"
)

// ParquetShardWriter is the alternate shard encoding: the same partition
// query stream, written as a parquet file instead of an Avro container. The
// parquet schema is derived from the run's frozen Avro schema so both
// formats describe identical columns.
type ParquetShardWriter struct {
	DB    *sql.DB
	Store storage.ObjectStore
}

func (w *ParquetShardWriter) WriteShard(ctx context.Context, task ShardTask) (ShardResult, error) {
	fields, err := recordFields(task.Schema)
	if err != nil {
		return ShardResult{}, err
	}
	schema, err := parquetSchemaFor(task.Schema.(*avro.RecordSchema))
	if err != nil {
		return ShardResult{}, err
	}
	codec, err := parquetCodec(task.Codec)
	if err != nil {
		return ShardResult{}, err
	}

	rows, err := w.DB.QueryContext(ctx, task.Query.SQL)
	if err != nil {
		return ShardResult{}, fmt.Errorf("shard %d query: %w", task.Query.Index, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return ShardResult{}, fmt.Errorf("shard %d columns: %w", task.Query.Index, err)
	}
	if len(columns) != len(fields) {
		return ShardResult{}, fmt.Errorf("shard %d returned %d columns, schema has %d fields", task.Query.Index, len(columns), len(fields))
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[map[string]any](&buf, schema, parquet.Compression(codec))

	scan := make([]any, len(fields))
	targets := make([]any, len(fields))
	for i := range scan {
		targets[i] = &scan[i]
	}

	var count int64
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return ShardResult{}, err
		}
		if err := rows.Scan(targets...); err != nil {
			return ShardResult{}, fmt.Errorf("shard %d scan row %d: %w", task.Query.Index, count, err)
		}
		record := make(map[string]any, len(fields))
		for i, field := range fields {
			value, err := parquetValue(scan[i], field.Type())
			if err != nil {
				return ShardResult{}, fmt.Errorf("shard %d field %s: %w", task.Query.Index, field.Name(), err)
			}
			if value != nil {
				record[field.Name()] = value
			}
		}
		if _, err := writer.Write([]map[string]any{record}); err != nil {
			return ShardResult{}, fmt.Errorf("shard %d write row %d: %w", task.Query.Index, count, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return ShardResult{}, fmt.Errorf("shard %d rows: %w", task.Query.Index, err)
	}
	if err := writer.Close(); err != nil {
		return ShardResult{}, fmt.Errorf("shard %d close writer: %w", task.Query.Index, err)
	}

	key, err := storage.BuildShardFilePath(task.OutputPrefix, task.Query.Index, "parquet")
	if err != nil {
		return ShardResult{}, err
	}
	info, err := w.Store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
		Metadata:    map[string]string{"rows": strconv.FormatInt(count, 10)},
	})
	if err != nil {
		return ShardResult{}, fmt.Errorf("shard %d upload: %w", task.Query.Index, err)
	}
	return ShardResult{Index: task.Query.Index, Path: info.Key, Rows: count, Bytes: info.Size}, nil
}

func parquetSchemaFor(record *avro.RecordSchema) (*parquet.Schema, error) {
	group := parquet.Group{}
	for _, field := range record.Fields() {
		node, err := parquetNodeFor(field.Type())
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name(), err)
		}
		group[field.Name()] = node
	}
	return parquet.NewSchema(record.Name(), group), nil
}

func parquetNodeFor(schema avro.Schema) (parquet.Node, error) {
	if union, ok := schema.(*avro.UnionSchema); ok {
		branch, err := nonNullBranch(union)
		if err != nil {
			return nil, err
		}
		node, err := parquetNodeFor(branch)
		if err != nil {
			return nil, err
		}
		return parquet.Optional(node), nil
	}
	if prim, ok := schema.(*avro.PrimitiveSchema); ok && prim.Logical() != nil {
		switch prim.Logical().Type() {
		case avro.Date:
			return parquet.Date(), nil
		case avro.TimeMillis:
			return parquet.Time(parquet.Millisecond), nil
		case avro.TimestampMillis:
			return parquet.Timestamp(parquet.Millisecond), nil
		case avro.Decimal:
			return parquet.String(), nil
		}
	}
	switch schema.Type() {
	case avro.Int:
		return parquet.Int(32), nil
	case avro.Long:
		return parquet.Int(64), nil
	case avro.Float:
		return parquet.Leaf(parquet.FloatType), nil
	case avro.Double:
		return parquet.Leaf(parquet.DoubleType), nil
	case avro.Boolean:
		return parquet.Leaf(parquet.BooleanType), nil
	case avro.Bytes:
		return parquet.Leaf(parquet.ByteArrayType), nil
	case avro.String:
		return parquet.String(), nil
	}
	return nil, fmt.Errorf("no parquet mapping for %s", schema.Type())
}

func parquetCodec(name string) (compress.Codec, error) {
	switch name {
	case "", "null":
		return &parquet.Uncompressed, nil
	case "deflate":
		return &parquet.Gzip, nil
	case "snappy":
		return &parquet.Snappy, nil
	default:
		return nil, fmt.Errorf("unsupported parquet codec %q", name)
	}
}

// parquetValue converts a scan value into the plain physical shape the
// generic parquet writer accepts for the column: integer epochs for temporal
// logical types, strings for decimals. Returns nil for nullable nulls so the
// column entry is omitted.
func parquetValue(raw any, schema avro.Schema) (any, error) {
	if union, ok := schema.(*avro.UnionSchema); ok {
		if raw == nil {
			return nil, nil
		}
		branch, err := nonNullBranch(union)
		if err != nil {
			return nil, err
		}
		return parquetValue(raw, branch)
	}
	if raw == nil {
		return nil, fmt.Errorf("null value for non-nullable %s field", schema.Type())
	}

	if prim, ok := schema.(*avro.PrimitiveSchema); ok && prim.Logical() != nil {
		switch prim.Logical().Type() {
		case avro.Date:
			if v, ok := raw.(time.Time); ok {
				return int32(v.UTC().Truncate(24*time.Hour).Unix() / 86400), nil
			}
		case avro.TimeMillis:
			switch v := raw.(type) {
			case time.Time:
				midnight := time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, v.Location())
				return int32(v.Sub(midnight) / time.Millisecond), nil
			case time.Duration:
				return int32(v / time.Millisecond), nil
			}
		case avro.TimestampMillis:
			if v, ok := raw.(time.Time); ok {
				return v.UTC().UnixMilli(), nil
			}
		case avro.Decimal:
			switch v := raw.(type) {
			case string:
				return v, nil
			case []byte:
				return string(v), nil
			}
		}
		return nil, fmt.Errorf("cannot encode %T as %s/%s", raw, schema.Type(), prim.Logical().Type())
	}

	switch schema.Type() {
	case avro.Int:
		switch v := raw.(type) {
		case int64:
			return int32(v), nil
		case int32:
			return v, nil
		case int:
			return int32(v), nil
		}
	case avro.Long:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int32:
			return int64(v), nil
		case int:
			return int64(v), nil
		}
	case avro.Float:
		switch v := raw.(type) {
		case float64:
			return float32(v), nil
		case float32:
			return v, nil
		}
	case avro.Double:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		}
	case avro.Boolean:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
	case avro.Bytes:
		if v, ok := raw.([]byte); ok {
			return append([]byte(nil), v...), nil
		}
	case avro.String:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	}
	return nil, fmt.Errorf("cannot encode %T as %s", raw, schema.Type())
}
