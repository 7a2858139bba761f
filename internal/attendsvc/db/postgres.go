package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	config "github.com/avvvet/attendance-services/configs"
)

var DB *pgxpool.Pool

// Connect opens the attendance pool from POSTGRES_URL. POSTGRES_MAX_CONNS caps
// how many scans and activations reach the database at once.
func Connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(os.Getenv("POSTGRES_URL"))
	if err != nil {
		return nil, fmt.Errorf("parse POSTGRES_URL: %w", err)
	}
	if n := config.GetIntEnv("POSTGRES_MAX_CONNS", 0); n > 0 {
		cfg.MaxConns = int32(n)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "attendsvc"

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	DB = pool

	return pool, nil
}

// ClosePool is for graceful shutdown
func ClosePool() {
	if DB != nil {
		DB.Close()
	}
}
