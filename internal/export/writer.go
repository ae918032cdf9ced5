package export

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/ocf"

	"github.com/avroexport/avroexport/internal/storage"
)

// ShardTask is one unit of the fan-out: a single partition query plus the
// run-wide frozen schema and output location. Every shard of a run carries
// the same Schema value; only Query differs.
type ShardTask struct {
	Query        Query
	Schema       avro.Schema
	OutputPrefix string
	Codec        string
	FetchSize    int
}

type ShardResult struct {
	Index int
	Path  string
	Rows  int64
	Bytes int64
}

type ShardWriter interface {
	WriteShard(ctx context.Context, task ShardTask) (ShardResult, error)
}

// AvroShardWriter streams one partition query into an Avro object container
// file and uploads it as a single object. The DB handle is the shared
// connection pool; database/sql hands each shard its own connection.
type AvroShardWriter struct {
	DB    *sql.DB
	Store storage.ObjectStore
}

func (w *AvroShardWriter) WriteShard(ctx context.Context, task ShardTask) (ShardResult, error) {
	fields, err := recordFields(task.Schema)
	if err != nil {
		return ShardResult{}, err
	}
	codec, err := ocfCodec(task.Codec)
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
	enc, err := ocf.NewEncoder(task.Schema.String(), &buf, ocf.WithCodec(codec))
	if err != nil {
		return ShardResult{}, fmt.Errorf("shard %d encoder: %w", task.Query.Index, err)
	}

	scan := make([]any, len(fields))
	targets := make([]any, len(fields))
	for i := range scan {
		targets[i] = &scan[i]
	}

	fetchSize := task.FetchSize
	if fetchSize <= 0 {
		fetchSize = 1000
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
			value, err := avroValue(scan[i], field.Type())
			if err != nil {
				return ShardResult{}, fmt.Errorf("shard %d field %s: %w", task.Query.Index, field.Name(), err)
			}
			record[field.Name()] = value
		}
		if err := enc.Encode(record); err != nil {
			return ShardResult{}, fmt.Errorf("shard %d encode row %d: %w", task.Query.Index, count, err)
		}
		count++
		if count%int64(fetchSize) == 0 {
			if err := enc.Flush(); err != nil {
				return ShardResult{}, fmt.Errorf("shard %d flush: %w", task.Query.Index, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return ShardResult{}, fmt.Errorf("shard %d rows: %w", task.Query.Index, err)
	}
	if err := enc.Close(); err != nil {
		return ShardResult{}, fmt.Errorf("shard %d close encoder: %w", task.Query.Index, err)
	}

	key, err := storage.BuildShardFilePath(task.OutputPrefix, task.Query.Index, "avro")
	if err != nil {
		return ShardResult{}, err
	}
	info, err := w.Store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), storage.PutOptions{
		ContentType: "avro/binary",
		Metadata:    map[string]string{"rows": strconv.FormatInt(count, 10)},
	})
	if err != nil {
		return ShardResult{}, fmt.Errorf("shard %d upload: %w", task.Query.Index, err)
	}
	return ShardResult{Index: task.Query.Index, Path: info.Key, Rows: count, Bytes: info.Size}, nil
}

func recordFields(schema avro.Schema) ([]*avro.Field, error) {
	record, ok := schema.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("schema is %s, want record", schema.Type())
	}
	if len(record.Fields()) == 0 {
		return nil, fmt.Errorf("record schema has no fields")
	}
	return record.Fields(), nil
}

func ocfCodec(name string) (ocf.CodecName, error) {
	switch name {
	case "", "null":
		return ocf.Null, nil
	case "deflate":
		return ocf.Deflate, nil
	case "snappy":
		return ocf.Snappy, nil
	default:
		return "", fmt.Errorf("unsupported avro codec %q", name)
	}
}

// avroValue converts a database/sql scan value into the Go shape the generic
// Avro encoder expects for the field's schema. Nullable columns are union
// schemas: nil stays nil, anything else is wrapped in a single-entry map
// keyed by the union branch name.
func avroValue(raw any, schema avro.Schema) (any, error) {
	if union, ok := schema.(*avro.UnionSchema); ok {
		if raw == nil {
			return nil, nil
		}
		branch, err := nonNullBranch(union)
		if err != nil {
			return nil, err
		}
		value, err := avroValue(raw, branch)
		if err != nil {
			return nil, err
		}
		return map[string]any{unionBranchKey(branch): value}, nil
	}
	if raw == nil {
		return nil, fmt.Errorf("null value for non-nullable %s field", schema.Type())
	}

	if prim, ok := schema.(*avro.PrimitiveSchema); ok && prim.Logical() != nil {
		return logicalValue(raw, prim)
	}

	switch schema.Type() {
	case avro.Int:
		switch v := raw.(type) {
		case int64:
			return int(v), nil
		case int32:
			return int(v), nil
		case int:
			return v, nil
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
		case time.Time:
			return v.UTC().Format(time.RFC3339Nano), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	}
	return nil, fmt.Errorf("cannot encode %T as %s", raw, schema.Type())
}

func logicalValue(raw any, schema *avro.PrimitiveSchema) (any, error) {
	logical := schema.Logical()
	switch logical.Type() {
	case avro.Date, avro.TimestampMillis, avro.TimestampMicros:
		if v, ok := raw.(time.Time); ok {
			return v.UTC(), nil
		}
	case avro.TimeMillis, avro.TimeMicros:
		switch v := raw.(type) {
		case time.Time:
			midnight := time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, v.Location())
			return v.Sub(midnight), nil
		case time.Duration:
			return v, nil
		}
	case avro.Decimal:
		var text string
		switch v := raw.(type) {
		case string:
			text = v
		case []byte:
			text = string(v)
		default:
			return nil, fmt.Errorf("cannot encode %T as decimal", raw)
		}
		rat, ok := new(big.Rat).SetString(text)
		if !ok {
			return nil, fmt.Errorf("invalid decimal %q", text)
		}
		return rat, nil
	}
	return nil, fmt.Errorf("cannot encode %T as %s/%s", raw, schema.Type(), logical.Type())
}

func nonNullBranch(union *avro.UnionSchema) (avro.Schema, error) {
	for _, branch := range union.Types() {
		if branch.Type() != avro.Null {
			return branch, nil
		}
	}
	return nil, fmt.Errorf("union has no non-null branch")
}

// unionBranchKey mirrors the names the generic encoder resolves union map
// keys against: full names for named schemas, "<type>.<logical>" for logical
// primitives, the bare type otherwise.
func unionBranchKey(schema avro.Schema) string {
	if named, ok := schema.(avro.NamedSchema); ok {
		return named.FullName()
	}
	if prim, ok := schema.(*avro.PrimitiveSchema); ok && prim.Logical() != nil {
		return fmt.Sprintf("%s.%s", prim.Type(), prim.Logical().Type())
	}
	return string(schema.Type())
}
