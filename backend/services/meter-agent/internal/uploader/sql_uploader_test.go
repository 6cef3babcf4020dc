package uploader

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"energymeter/backend/libs/db"
)

func newSQLiteUploader(t *testing.T) (*SQLUploader, *sql.DB) {
	t.Helper()
	return newSQLiteUploaderWithLogger(t, zap.NewNop())
}

func newSQLiteUploaderWithLogger(t *testing.T, logger *zap.Logger) (*SQLUploader, *sql.DB) {
	t.Helper()
	conn, err := db.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	u, err := NewSQLUploader(conn, db.DriverSQLite, logger)
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	if err := u.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return u, conn
}

func TestSQLUploaderInsertsInOrder(t *testing.T) {
	u, conn := newSQLiteUploader(t)

	if err := u.Send(context.Background(), "meter-01", testBatch(t, 10, 11, 12)); err != nil {
		t.Fatalf("send: %v", err)
	}

	rows, err := conn.Query("SELECT energy_wh FROM meter_readings WHERE device_id = ? ORDER BY id", "meter-01")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	var got []float64
	for rows.Next() {
		var e float64
		if err := rows.Scan(&e); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 3 || got[0] != 10 || got[2] != 12 {
		t.Fatalf("unexpected rows %v", got)
	}
}

func TestSQLUploaderResendIsIdempotent(t *testing.T) {
	u, conn := newSQLiteUploader(t)
	batch := testBatch(t, 10, 11)

	for i := 0; i < 3; i++ {
		if err := u.Send(context.Background(), "meter-01", batch); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM meter_readings").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected duplicates to be ignored, got %d rows", count)
	}
}

func TestSQLUploaderWarnsWhenClockRegressionCollides(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	u, conn := newSQLiteUploaderWithLogger(t, zap.New(core))

	batch := testBatch(t, 10, 11, 12)
	batch[2].Timestamp = batch[0].Timestamp
	if err := u.Send(context.Background(), "meter-01", batch); err != nil {
		t.Fatalf("send: %v", err)
	}

	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM meter_readings").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected colliding reading to be dropped by the key, got %d rows", count)
	}
	warned := logs.FilterMessage("readings dropped as duplicates after clock moved backwards").All()
	if len(warned) != 1 || warned[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn log for the collision, got %+v", logs.All())
	}
}

func TestSQLUploaderResendLogsAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	u, _ := newSQLiteUploaderWithLogger(t, zap.New(core))
	batch := testBatch(t, 10, 11)

	for i := 0; i < 2; i++ {
		if err := u.Send(context.Background(), "meter-01", batch); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if n := logs.FilterLevelExact(zapcore.WarnLevel).Len(); n != 0 {
		t.Fatalf("plain resend must not warn, got %d warnings", n)
	}
	if n := logs.FilterMessage("duplicate readings ignored").Len(); n != 1 {
		t.Fatalf("expected one debug duplicate log, got %d", n)
	}
}

func TestSQLUploaderCancelledContextIsRetryable(t *testing.T) {
	u, _ := newSQLiteUploader(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := u.Send(ctx, "meter-01", testBatch(t, 1))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestNewSQLUploaderRejectsUnknownDriver(t *testing.T) {
	if _, err := NewSQLUploader(&sql.DB{}, "mysql", zap.NewNop()); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := NewSQLUploader(nil, db.DriverSQLite, zap.NewNop()); err == nil {
		t.Fatalf("expected nil db error")
	}
}

func TestInsertQueryPlaceholders(t *testing.T) {
	if q := insertQuery(db.DriverPostgres); !strings.Contains(q, "$1") || !strings.Contains(q, "$9") {
		t.Fatalf("postgres query missing numbered placeholders: %s", q)
	}
	if q := insertQuery(db.DriverSQLite); strings.Contains(q, "$") {
		t.Fatalf("sqlite query must use ? placeholders: %s", q)
	}
}

func TestClassifySQL(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"pg invalid text", &pgconn.PgError{Code: "22P02"}, false},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"other", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(classifySQL(tc.err)); got != tc.retryable {
			t.Fatalf("%s: retryable = %v, want %v", tc.name, got, tc.retryable)
		}
	}
}
