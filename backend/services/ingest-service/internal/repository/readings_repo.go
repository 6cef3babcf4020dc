package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"energymeter/backend/services/ingest-service/internal/models"
)

const schema = `CREATE TABLE IF NOT EXISTS meter_readings (
	id BIGSERIAL PRIMARY KEY,
	device_id TEXT NOT NULL,
	phase INTEGER NOT NULL,
	voltage_v DOUBLE PRECISION NOT NULL,
	current_a DOUBLE PRECISION NOT NULL,
	power_w DOUBLE PRECISION NOT NULL,
	energy_wh DOUBLE PRECISION NOT NULL,
	frequency_hz DOUBLE PRECISION NOT NULL,
	power_factor DOUBLE PRECISION NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (device_id, phase, recorded_at)
)`

// NewPostgresPool opens a pgx pool and validates the connection.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db: empty DSN")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ReadingsRepository persists meter readings.
type ReadingsRepository struct {
	pool *pgxpool.Pool
}

// NewReadingsRepository returns repository.
func NewReadingsRepository(pool *pgxpool.Pool) *ReadingsRepository {
	return &ReadingsRepository{pool: pool}
}

// EnsureSchema creates the readings table when missing.
func (r *ReadingsRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// InsertBatch stores readings in one transaction, ignoring ones already stored.
func (r *ReadingsRepository) InsertBatch(ctx context.Context, deviceID string, readings []models.Reading) (int64, error) {
	const query = `
		INSERT INTO meter_readings (device_id, phase, voltage_v, current_a, power_w, energy_wh, frequency_hz, power_factor, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id, phase, recorded_at) DO NOTHING
	`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, rd := range readings {
		batch.Queue(query, deviceID, rd.Phase, rd.Voltage, rd.Current, rd.Power, rd.Energy, rd.Frequency, rd.PowerFactor, rd.Timestamp.UTC())
	}

	results := tx.SendBatch(ctx, batch)
	var inserted int64
	for range readings {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, err
		}
		inserted += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

// EnergySeries returns the energy counter of every phase since the given time, ordered by phase and time.
func (r *ReadingsRepository) EnergySeries(ctx context.Context, deviceID string, since time.Time) ([]models.EnergyPoint, error) {
	const query = `
		SELECT phase, energy_wh, recorded_at
		FROM meter_readings
		WHERE device_id = $1 AND recorded_at >= $2
		ORDER BY phase, recorded_at
	`
	rows, err := r.pool.Query(ctx, query, deviceID, since.UTC())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[models.EnergyPoint])
}
