package uploader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"energymeter/backend/libs/db"
	"energymeter/backend/services/meter-agent/internal/models"
)

const readingColumns = "device_id, phase, voltage_v, current_a, power_w, energy_wh, frequency_hz, power_factor, recorded_at"

var schemas = map[string]string{
	db.DriverPostgres: `CREATE TABLE IF NOT EXISTS meter_readings (
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
)`,
	db.DriverSQLite: `CREATE TABLE IF NOT EXISTS meter_readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	phase INTEGER NOT NULL,
	voltage_v REAL NOT NULL,
	current_a REAL NOT NULL,
	power_w REAL NOT NULL,
	energy_wh REAL NOT NULL,
	frequency_hz REAL NOT NULL,
	power_factor REAL NOT NULL,
	recorded_at TIMESTAMP NOT NULL,
	received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (device_id, phase, recorded_at)
)`,
}

// SQLUploader writes batches straight into a database. Replayed batches are
// absorbed by the (device_id, phase, recorded_at) unique key.
type SQLUploader struct {
	db     *sql.DB
	driver string
	insert string
	logger *zap.Logger
}

// NewSQLUploader builds an uploader for the pgx or sqlite3 driver.
func NewSQLUploader(conn *sql.DB, driver string, logger *zap.Logger) (*SQLUploader, error) {
	if conn == nil {
		return nil, errors.New("sql uploader: db is nil")
	}
	if _, ok := schemas[driver]; !ok {
		return nil, fmt.Errorf("sql uploader: unsupported driver %q", driver)
	}
	return &SQLUploader{
		db:     conn,
		driver: driver,
		insert: insertQuery(driver),
		logger: logger,
	}, nil
}

func insertQuery(driver string) string {
	placeholders := make([]string, 9)
	for i := range placeholders {
		if driver == db.DriverPostgres {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return fmt.Sprintf(
		"INSERT INTO meter_readings (%s) VALUES (%s) ON CONFLICT (device_id, phase, recorded_at) DO NOTHING",
		readingColumns, strings.Join(placeholders, ", "),
	)
}

// EnsureSchema creates the readings table when missing.
func (u *SQLUploader) EnsureSchema(ctx context.Context) error {
	if _, err := u.db.ExecContext(ctx, schemas[u.driver]); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Send implements Uploader. The batch is written in one transaction.
func (u *SQLUploader) Send(ctx context.Context, deviceID string, batch []models.Reading) (err error) {
	if len(batch) == 0 {
		return nil
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQL(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, u.insert)
	if err != nil {
		return classifySQL(err)
	}
	defer stmt.Close()

	inserted := int64(0)
	for _, r := range batch {
		res, execErr := stmt.ExecContext(ctx,
			deviceID, r.Phase, r.Voltage, r.Current, r.Power, r.Energy, r.Frequency, r.PowerFactor, r.Timestamp.UTC(),
		)
		if execErr != nil {
			return classifySQL(execErr)
		}
		if n, rowsErr := res.RowsAffected(); rowsErr == nil {
			inserted += n
		}
	}

	if err = tx.Commit(); err != nil {
		return classifySQL(err)
	}

	if dup := int64(len(batch)) - inserted; dup > 0 {
		if timestampsRegress(batch) {
			u.logger.Warn("readings dropped as duplicates after clock moved backwards",
				zap.Int64("duplicates", dup),
				zap.String("device_id", deviceID),
				zap.Stringers("batch", batch),
			)
		} else {
			u.logger.Debug("duplicate readings ignored", zap.Int64("duplicates", dup), zap.String("device_id", deviceID))
		}
	}
	return nil
}

// classifySQL marks data and schema errors permanent; connectivity and locking stay retryable.
func classifySQL(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "22"), // data exception
			strings.HasPrefix(pgErr.Code, "23"), // integrity constraint violation
			strings.HasPrefix(pgErr.Code, "42"): // syntax error or access rule violation
			return Permanent(err)
		}
		return Retryable(err)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig, sqlite3.ErrRange:
			return Permanent(err)
		}
		return Retryable(err)
	}

	return Retryable(err)
}
