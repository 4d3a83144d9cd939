// Package catalog owns the dispatcher's PostgreSQL connection pool and schema.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Config configures the catalog connection.
type Config struct {
	PostgresDSN string
	MaxConns    int32
}

// Catalog wraps the shared pool used by the session and task stores.
type Catalog struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and applies the schema.
func Open(ctx context.Context, cfg Config) (*Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Println("[catalog] connected to PostgreSQL")
	return &Catalog{pool: pool}, nil
}

// Pool returns the shared connection pool.
func (c *Catalog) Pool() *pgxpool.Pool {
	return c.pool
}

// Ping checks connectivity.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the pool.
func (c *Catalog) Close() error {
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}
