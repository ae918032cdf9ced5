package export

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics is the explicit per-run counter registry shared by reference
// with every shard writer goroutine. It is isolated from the process-wide
// default registry so one run's counters never bleed into another's, and is
// snapshotted exactly once after the fan-out joins.
type RunMetrics struct {
	registry            *prometheus.Registry
	schemaInferMillis   prometheus.Counter
	rowsWritten         prometheus.Counter
	partitionsCompleted prometheus.Counter
	shardBytes          prometheus.Counter
}

func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		schemaInferMillis: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_schema_infer_millis",
			Help: "Wall-clock milliseconds spent inferring the output schema.",
		}),
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_rows_total",
			Help: "Rows written across all shards of this run.",
		}),
		partitionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_partitions_completed_total",
			Help: "Shards written to completion in this run.",
		}),
		shardBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_shard_bytes_total",
			Help: "Encoded bytes written across all shards of this run.",
		}),
	}
	m.registry.MustRegister(m.schemaInferMillis, m.rowsWritten, m.partitionsCompleted, m.shardBytes)
	return m
}

// ObserveSchemaInfer records the probe's elapsed time. Called exactly once
// per run, before any shard starts.
func (m *RunMetrics) ObserveSchemaInfer(millis int64) {
	if millis < 0 {
		millis = 0
	}
	m.schemaInferMillis.Add(float64(millis))
}

func (m *RunMetrics) AddRows(n int64) {
	if n > 0 {
		m.rowsWritten.Add(float64(n))
	}
}

func (m *RunMetrics) AddShardBytes(n int64) {
	if n > 0 {
		m.shardBytes.Add(float64(n))
	}
}

func (m *RunMetrics) PartitionCompleted() {
	m.partitionsCompleted.Inc()
}

// Snapshot gathers the registry into a flat name → value map, the shape the
// metrics file is persisted in.
func (m *RunMetrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather run metrics: %w", err)
	}
	out := make(map[string]float64, len(families))
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if counter := metric.GetCounter(); counter != nil {
				out[family.GetName()] = counter.GetValue()
			}
		}
	}
	return out, nil
}
