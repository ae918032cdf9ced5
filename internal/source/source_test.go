package source

import (
	"context"
	"strings"
	"testing"
)

func TestOpenRejectsUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mssql", DSN: "sqlserver://x"})
	if err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if !strings.Contains(err.Error(), "unsupported source driver") {
		t.Fatalf("error = %v", err)
	}
}

func TestOpenRequiresDriverAndDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{DSN: "postgres://x"}); err == nil {
		t.Fatal("expected missing driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: "pgx"}); err == nil {
		t.Fatal("expected missing dsn error")
	}
}

func TestDriversAreSortedAndComplete(t *testing.T) {
	drivers := Drivers()
	want := []string{"duckdb", "mysql", "oracle", "pgx", "postgres", "sqlite3"}
	if len(drivers) != len(want) {
		t.Fatalf("Drivers() = %v", drivers)
	}
	for i, name := range want {
		if drivers[i] != name {
			t.Fatalf("Drivers()[%d] = %q, want %q", i, drivers[i], name)
		}
	}
	for _, name := range want {
		if !Supported(name) {
			t.Fatalf("Supported(%q) = false", name)
		}
	}
}
