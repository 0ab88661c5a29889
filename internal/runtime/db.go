package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/taskforge/config"
)

// OpenPostgres opens a lib/pq pool for the configured database and pings it.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres connection failed (%s): %w", redactDSN(cfg), err)
	}
	return db, nil
}

func redactDSN(cfg config.PostgresConfig) string {
	if cfg.URL != "" {
		return "url"
	}
	return fmt.Sprintf("%s/%s", cfg.Host, cfg.DBName)
}
