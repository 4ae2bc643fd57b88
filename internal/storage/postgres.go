package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/SwitchBench/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

// EnsureSchema creates the bench tables and seeds the singleton rows so a
// fresh database comes up ready to run.
func (p *PostgresClient) EnsureSchema(ctx context.Context, stationCount int) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stations (
			id INTEGER PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT false,
			current_cycles INTEGER NOT NULL DEFAULT 0,
			switch_current DOUBLE PRECISION NOT NULL DEFAULT 0,
			switch_failures INTEGER NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS system_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			pin_hash TEXT NOT NULL DEFAULT '',
			cycles_per_minute INTEGER NOT NULL DEFAULT 6,
			cutoff_voltage DOUBLE PRECISION NOT NULL DEFAULT 11.1,
			switch_current_threshold DOUBLE PRECISION NOT NULL DEFAULT 5.0,
			switch_failure_threshold INTEGER NOT NULL DEFAULT 10,
			cycle_limit INTEGER NOT NULL DEFAULT 100000
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			machine_state TEXT NOT NULL DEFAULT 'off',
			supply_voltage DOUBLE PRECISION NOT NULL DEFAULT 0,
			timer_active BOOLEAN NOT NULL DEFAULT false,
			timer_end_time TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS cycle_history (
			id UUID PRIMARY KEY,
			station_id INTEGER NOT NULL REFERENCES stations(id),
			current_cycles INTEGER NOT NULL,
			switch_failures INTEGER NOT NULL,
			switch_current DOUBLE PRECISION NOT NULL,
			passed BOOLEAN NOT NULL,
			supply_voltage DOUBLE PRECISION NOT NULL,
			machine_state TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`INSERT INTO system_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
		`INSERT INTO system_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	for id := 1; id <= stationCount; id++ {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO stations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
		if err != nil {
			return fmt.Errorf("failed to seed station %d: %w", id, err)
		}
	}

	return nil
}
