package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hamba/avro/v2"

	"github.com/avroexport/avroexport/internal/storage"
)

// ResultPersister writes the non-shard run artifacts: the frozen schema,
// one file per partition query, and the final metrics document.
type ResultPersister struct {
	Store storage.ObjectStore
}

// PersistSchema uploads the schema as indented JSON so the artifact is
// readable as-is. The indentation never changes the schema fingerprint.
func (p *ResultPersister) PersistSchema(ctx context.Context, prefix string, schema avro.Schema) (storage.ObjectInfo, error) {
	key, err := storage.BuildSchemaFilePath(prefix)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(schema.String()), "", "  "); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("indent schema: %w", err)
	}
	pretty.WriteByte('\n')
	info, err := p.Store.Put(ctx, key, &pretty, int64(pretty.Len()), storage.PutOptions{ContentType: "application/json"})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("persist schema: %w", err)
	}
	return info, nil
}

func (p *ResultPersister) PersistQuery(ctx context.Context, prefix string, query Query) (storage.ObjectInfo, error) {
	key, err := storage.BuildQueryFilePath(prefix, query.Index)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	body := query.SQL
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	info, err := p.Store.Put(ctx, key, strings.NewReader(body), int64(len(body)), storage.PutOptions{ContentType: "application/sql"})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("persist query %d: %w", query.Index, err)
	}
	return info, nil
}

// PersistMetrics writes the run's counter snapshot. encoding/json emits map
// keys in sorted order, so the document is byte-stable for equal snapshots.
func (p *ResultPersister) PersistMetrics(ctx context.Context, prefix string, snapshot map[string]float64) (storage.ObjectInfo, error) {
	key, err := storage.BuildMetricsFilePath(prefix)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("marshal metrics: %w", err)
	}
	raw = append(raw, '\n')
	info, err := p.Store.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)), storage.PutOptions{ContentType: "application/json"})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("persist metrics: %w", err)
	}
	return info, nil
}
