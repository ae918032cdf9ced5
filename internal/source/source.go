package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Open validates the driver, opens a database/sql handle with the configured
// pool limits, and verifies connectivity with a bounded ping. The schema
// prober and every shard writer draw their connections from this one pool.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		return nil, fmt.Errorf("source driver is required")
	}
	if !Supported(driver) {
		return nil, fmt.Errorf("unsupported source driver %q (supported: %s)", driver, strings.Join(Drivers(), ", "))
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("source dsn is required")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open source db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping source db: %w", err)
	}

	return db, nil
}
