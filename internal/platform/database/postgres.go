package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PoolConfig sizes the profile store connection pool. The reconciler issues
// at most one lookup and one insert per sign-in, so the defaults are small.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DefaultPool is used when NewPostgres receives no PoolConfig.
var DefaultPool = PoolConfig{
	MaxOpen:     5,
	MaxIdle:     2,
	MaxLifetime: 30 * time.Minute,
	MaxIdleTime: 5 * time.Minute,
}

// NewPostgres opens the profile store and verifies the connection.
func NewPostgres(ctx context.Context, url string, pool ...PoolConfig) (*sqlx.DB, error) {
	cfg := DefaultPool
	if len(pool) > 0 {
		cfg = pool[0]
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	return db, nil
}
