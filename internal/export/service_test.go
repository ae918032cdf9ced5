package export

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// stepClock advances a fixed amount on every call so elapsed times are
// deterministic in tests.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(10 * time.Millisecond)
	return c.now
}

func serviceConfig() Config {
	return Config{
		Table:        "orders",
		SplitColumn:  "id",
		Partitions:   3,
		LowerBound:   1,
		UpperBound:   9,
		Codec:        "null",
		Format:       "avro",
		Namespace:    "avroexport",
		LogicalTypes: true,
		OutputPrefix: "exports/orders",
		Workers:      2,
	}
}

func expectProbe(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM orders WHERE 1=0")).
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("id").OfType("INT8", int64(0)).Nullable(false),
			sqlmock.NewColumn("name").OfType("TEXT", "").Nullable(true),
		))
}

var shardQueries = []string{
	"SELECT * FROM orders WHERE id >= 1 AND id < 4",
	"SELECT * FROM orders WHERE id >= 4 AND id < 7",
	"SELECT * FROM orders WHERE id >= 7 AND id <= 9",
}

func expectShards(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta(shardQueries[0])).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "alice").
			AddRow(int64(2), nil),
	)
	mock.ExpectQuery(regexp.QuoteMeta(shardQueries[1])).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(4), "dave"),
	)
	mock.ExpectQuery(regexp.QuoteMeta(shardQueries[2])).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(9), "ines"),
	)
}

func TestServiceRunProducesAllArtifacts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()
	mock.MatchExpectationsInOrder(false)

	expectProbe(mock)
	expectShards(mock)

	store := newMemStore()
	clock := newStepClock()
	service := &Service{DB: db, ObjectStore: store, Config: serviceConfig(), Clock: clock.Now}

	result, err := service.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Rows != 4 {
		t.Fatalf("result.Rows = %d", result.Rows)
	}
	if len(result.Shards) != 3 {
		t.Fatalf("len(result.Shards) = %d", len(result.Shards))
	}
	for i, shard := range result.Shards {
		if shard.Index != i {
			t.Fatalf("shards[%d].Index = %d", i, shard.Index)
		}
	}

	wantKeys := []string{
		"exports/orders/_AVRO_SCHEMA.avsc",
		"exports/orders/_queries/query_0.sql",
		"exports/orders/_queries/query_1.sql",
		"exports/orders/_queries/query_2.sql",
		"exports/orders/part-00000.avro",
		"exports/orders/part-00001.avro",
		"exports/orders/part-00002.avro",
		"exports/orders/_METRICS.json",
	}
	if got := len(store.keys()); got != len(wantKeys) {
		t.Fatalf("store has %d objects, want %d: %v", got, len(wantKeys), store.keys())
	}
	for _, key := range wantKeys {
		store.object(t, key)
	}
	for i, want := range shardQueries {
		key := fmt.Sprintf("exports/orders/_queries/query_%d.sql", i)
		if got := string(store.object(t, key)); got != want+"\n" {
			t.Fatalf("query file %d = %q, want %q", i, got, want)
		}
	}

	var metrics map[string]float64
	if err := json.Unmarshal(store.object(t, "exports/orders/_METRICS.json"), &metrics); err != nil {
		t.Fatalf("metrics file does not parse: %v", err)
	}
	if metrics["export_rows_total"] != 4 {
		t.Fatalf("export_rows_total = %v", metrics["export_rows_total"])
	}
	if metrics["export_partitions_completed_total"] != 3 {
		t.Fatalf("export_partitions_completed_total = %v", metrics["export_partitions_completed_total"])
	}
	// One clock step between the probe timestamps.
	if metrics["export_schema_infer_millis"] != 10 {
		t.Fatalf("export_schema_infer_millis = %v", metrics["export_schema_infer_millis"])
	}
	if metrics["export_shard_bytes_total"] <= 0 {
		t.Fatalf("export_shard_bytes_total = %v", metrics["export_shard_bytes_total"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestServiceRunFailedShardLeavesNoMetricsFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()
	mock.MatchExpectationsInOrder(false)

	expectProbe(mock)
	mock.ExpectQuery(regexp.QuoteMeta(shardQueries[0])).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "alice"),
	)
	mock.ExpectQuery(regexp.QuoteMeta(shardQueries[1])).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(4), "dave"),
	)
	mock.ExpectQuery(regexp.QuoteMeta(shardQueries[2])).
		WillReturnError(fmt.Errorf("connection reset"))

	store := newMemStore()
	service := &Service{DB: db, ObjectStore: store, Config: serviceConfig(), Clock: newStepClock().Now}

	if _, err := service.Run(context.Background()); err == nil {
		t.Fatal("expected run error from failing shard")
	}
	if _, err := store.Stat(context.Background(), "exports/orders/_METRICS.json"); err == nil {
		t.Fatal("metrics file written despite failed shard")
	}
	// The frozen schema and query plan are still persisted; only the
	// success marker is withheld.
	store.object(t, "exports/orders/_AVRO_SCHEMA.avsc")
}

func TestServiceRunInvalidPrefixFailsBeforeProbe(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	cfg := serviceConfig()
	cfg.OutputPrefix = ""
	service := &Service{DB: db, ObjectStore: newMemStore(), Config: cfg, Clock: newStepClock().Now}

	if _, err := service.Run(context.Background()); err == nil {
		t.Fatal("expected prefix validation error")
	}
	// No probe expectation was registered, so any source access would
	// have failed the mock.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("source was touched: %v", err)
	}
}

func TestServiceRunIsDeterministic(t *testing.T) {
	runOnce := func() (*memStore, RunResult) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New() error = %v", err)
		}
		defer func() { _ = db.Close() }()
		mock.MatchExpectationsInOrder(false)
		expectProbe(mock)
		expectShards(mock)

		store := newMemStore()
		service := &Service{DB: db, ObjectStore: store, Config: serviceConfig(), Clock: newStepClock().Now}
		result, err := service.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		return store, result
	}

	firstStore, first := runOnce()
	secondStore, second := runOnce()

	if first.Schema.String() != second.Schema.String() {
		t.Fatal("schemas differ across identical runs")
	}
	for _, key := range []string{
		"exports/orders/_AVRO_SCHEMA.avsc",
		"exports/orders/_queries/query_0.sql",
		"exports/orders/_queries/query_1.sql",
		"exports/orders/_queries/query_2.sql",
		"exports/orders/_METRICS.json",
	} {
		if string(firstStore.object(t, key)) != string(secondStore.object(t, key)) {
			t.Fatalf("artifact %q differs across identical runs", key)
		}
	}
}
