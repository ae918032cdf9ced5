package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hamba/avro/v2"
)

// ProbeOptions name and shape the inferred schema. Name defaults to a
// sanitized form of the table name when empty.
type ProbeOptions struct {
	Table        string
	Columns      string
	Name         string
	Namespace    string
	Doc          string
	LogicalTypes bool
}

type fieldDef struct {
	Name string `json:"name"`
	Type any    `json:"type"`
}

type recordDef struct {
	Type      string     `json:"type"`
	Name      string     `json:"name"`
	Namespace string     `json:"namespace,omitempty"`
	Doc       string     `json:"doc,omitempty"`
	Fields    []fieldDef `json:"fields"`
}

type logicalDef struct {
	Type        string `json:"type"`
	LogicalType string `json:"logicalType"`
	Precision   int    `json:"precision,omitempty"`
	Scale       int    `json:"scale,omitempty"`
}

// InferSchema issues a metadata-only probe query against the source table
// and maps the result's column metadata to an Avro record schema. The probe
// never reads a row, so an empty table is a valid schema source; a probe
// with no usable columns is not.
//
// The returned schema is the one frozen schema for the whole export: it is
// built exactly once, before any shard exists, and shared read-only by
// every shard writer.
func InferSchema(ctx context.Context, db *sql.DB, opts ProbeOptions) (avro.Schema, error) {
	if strings.TrimSpace(opts.Table) == "" {
		return nil, fmt.Errorf("table is required")
	}
	columns := strings.TrimSpace(opts.Columns)
	if columns == "" {
		columns = "*"
	}

	probe := fmt.Sprintf("SELECT %s FROM %s WHERE 1=0", columns, opts.Table)
	rows, err := db.QueryContext(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("probe query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("probe column types: %w", err)
	}
	if len(colTypes) == 0 {
		return nil, fmt.Errorf("probe query returned no usable columns")
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("probe rows: %w", err)
	}

	fields := make([]fieldDef, 0, len(colTypes))
	for _, ct := range colTypes {
		avroType := avroTypeFor(ct, opts.LogicalTypes)
		if nullable, known := ct.Nullable(); !known || nullable {
			avroType = []any{"null", avroType}
		}
		fields = append(fields, fieldDef{Name: sanitizeAvroName(ct.Name()), Type: avroType})
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = sanitizeAvroName(baseTableName(opts.Table))
	}

	def := recordDef{
		Type:      "record",
		Name:      name,
		Namespace: strings.TrimSpace(opts.Namespace),
		Doc:       strings.TrimSpace(opts.Doc),
		Fields:    fields,
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	schema, err := avro.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse inferred schema: %w", err)
	}
	return schema, nil
}

// avroTypeFor maps a database/sql column type name to an Avro type. Unknown
// types degrade to string rather than failing the probe.
func avroTypeFor(ct *sql.ColumnType, logicalTypes bool) any {
	switch strings.ToUpper(ct.DatabaseTypeName()) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT2", "INT4", "INT", "INTEGER", "SERIAL":
		return "int"
	case "BIGINT", "INT8", "BIGSERIAL", "HUGEINT":
		return "long"
	case "REAL", "FLOAT4", "FLOAT":
		return "float"
	case "DOUBLE", "DOUBLE PRECISION", "FLOAT8":
		return "double"
	case "BOOL", "BOOLEAN", "BIT":
		return "boolean"
	case "BYTEA", "BLOB", "BINARY", "VARBINARY", "RAW":
		return "bytes"
	case "DATE":
		if logicalTypes {
			return logicalDef{Type: "int", LogicalType: "date"}
		}
		return "string"
	case "TIME", "TIMETZ":
		if logicalTypes {
			return logicalDef{Type: "int", LogicalType: "time-millis"}
		}
		return "string"
	case "TIMESTAMP", "TIMESTAMPTZ", "DATETIME":
		if logicalTypes {
			return logicalDef{Type: "long", LogicalType: "timestamp-millis"}
		}
		return "string"
	case "NUMERIC", "DECIMAL", "NUMBER":
		if logicalTypes {
			if precision, scale, ok := ct.DecimalSize(); ok && precision > 0 {
				return logicalDef{Type: "bytes", LogicalType: "decimal", Precision: int(precision), Scale: int(scale)}
			}
		}
		return "string"
	default:
		return "string"
	}
}

func baseTableName(table string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[i+1:]
	}
	return table
}

// sanitizeAvroName rewrites an identifier into the [A-Za-z_][A-Za-z0-9_]*
// shape Avro names require.
func sanitizeAvroName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
