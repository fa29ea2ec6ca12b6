// Package database opens and caches PostGIS connection pools.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/logger"
)

// pingTimeout bounds the liveness check on first connect.
const pingTimeout = 10 * time.Second

var (
	mu    sync.Mutex
	pools = make(map[string]*sql.DB)
)

// Connect opens a pool for the configured database, reusing an existing
// pool for the same URL. The statement timeout rides along as a session
// runtime parameter so runaway analysis SQL is cancelled server side.
func Connect(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	dsn, err := dsnWithStatementTimeout(cfg.URL, cfg.StatementTimeout.Duration())
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()

	if db, ok := pools[dsn]; ok {
		return db, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration())

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	logger.With("database").Info("Connected to database",
		"max_open_conns", cfg.MaxOpenConns,
		"statement_timeout", cfg.StatementTimeout.Duration().String())

	pools[dsn] = db
	return db, nil
}

// CloseAll closes every cached pool. Used on shutdown.
func CloseAll() error {
	mu.Lock()
	defer mu.Unlock()

	var firstErr error
	for dsn, db := range pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(pools, dsn)
	}
	return firstErr
}

// dsnWithStatementTimeout injects statement_timeout via the options runtime
// parameter. An explicit options value in the URL wins.
func dsnWithStatementTimeout(rawURL string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}

	q := u.Query()
	if q.Get("options") == "" {
		q.Set("options", fmt.Sprintf("-c statement_timeout=%d", timeout.Milliseconds()))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
