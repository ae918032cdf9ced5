package export

import "testing"

func TestRunMetricsSnapshot(t *testing.T) {
	metrics := NewRunMetrics()
	metrics.ObserveSchemaInfer(42)
	metrics.AddRows(100)
	metrics.AddRows(50)
	metrics.AddShardBytes(2048)
	metrics.PartitionCompleted()
	metrics.PartitionCompleted()

	snapshot, err := metrics.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	want := map[string]float64{
		"export_schema_infer_millis":        42,
		"export_rows_total":                 150,
		"export_partitions_completed_total": 2,
		"export_shard_bytes_total":          2048,
	}
	if len(snapshot) != len(want) {
		t.Fatalf("snapshot has %d entries, want %d: %v", len(snapshot), len(want), snapshot)
	}
	for name, value := range want {
		if snapshot[name] != value {
			t.Fatalf("snapshot[%q] = %v, want %v", name, snapshot[name], value)
		}
	}
}

func TestRunMetricsIsolatedPerRun(t *testing.T) {
	first := NewRunMetrics()
	first.AddRows(10)

	second := NewRunMetrics()
	snapshot, err := second.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snapshot["export_rows_total"] != 0 {
		t.Fatalf("fresh registry reports %v rows", snapshot["export_rows_total"])
	}
}

func TestRunMetricsIgnoresNegativeObservations(t *testing.T) {
	metrics := NewRunMetrics()
	metrics.ObserveSchemaInfer(-1)
	metrics.AddRows(-5)
	metrics.AddShardBytes(-5)

	snapshot, err := metrics.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for name, value := range snapshot {
		if value != 0 {
			t.Fatalf("snapshot[%q] = %v, want 0", name, value)
		}
	}
}
