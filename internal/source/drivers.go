package source

import (
	"sort"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"
)

// supportedDrivers maps the driver names accepted in configuration to the
// database/sql driver each blank import registers.
var supportedDrivers = map[string]struct{}{
	"pgx":      {}, // jackc/pgx stdlib adapter
	"postgres": {}, // lib/pq
	"mysql":    {},
	"sqlite3":  {},
	"duckdb":   {},
	"oracle":   {}, // sijms/go-ora
}

func Supported(driver string) bool {
	_, ok := supportedDrivers[driver]
	return ok
}

func Drivers() []string {
	out := make([]string, 0, len(supportedDrivers))
	for name := range supportedDrivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
