// Package archive keeps every decoded record in PostgreSQL.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jkaberg/bangle-hass/internal/sensors"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS sensor_readings (
	id            UUID PRIMARY KEY,
	session_id    UUID NOT NULL,
	device_id     TEXT NOT NULL,
	patient_id    TEXT,
	watch_time    TEXT NOT NULL,
	received_at   TIMESTAMPTZ NOT NULL,
	replayed      BOOLEAN NOT NULL DEFAULT FALSE,
	pressure      INTEGER,
	temperature   INTEGER,
	altitude      INTEGER,
	heart_rate    INTEGER,
	accel_x       INTEGER,
	accel_y       INTEGER,
	accel_z       INTEGER,
	magnitude     INTEGER,
	accel_delta   INTEGER,
	step_count    INTEGER
)`

const insertReading = `INSERT INTO sensor_readings (
	id, session_id, device_id, patient_id, watch_time, received_at, replayed,
	pressure, temperature, altitude, heart_rate,
	accel_x, accel_y, accel_z, magnitude, accel_delta, step_count
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

// Open connects to PostgreSQL and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Archive writes records of one receiver session.
type Archive struct {
	db        *sql.DB
	sessionID uuid.UUID
	deviceID  string
	patientID string
	now       func() time.Time
	healthy   atomic.Bool
	logger    *logrus.Logger
}

// New creates an archive for the given session.
func New(db *sql.DB, sessionID uuid.UUID, deviceID, patientID string, logger *logrus.Logger) *Archive {
	a := &Archive{
		db:        db,
		sessionID: sessionID,
		deviceID:  deviceID,
		patientID: patientID,
		now:       time.Now,
		logger:    logger,
	}
	a.healthy.Store(true)
	return a
}

// EnsureSchema creates the table when missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create sensor_readings: %w", err)
	}
	return nil
}

// Transmit inserts rec.
func (a *Archive) Transmit(ctx context.Context, rec *sensors.SensorRecord) error {
	if rec == nil {
		return nil
	}

	var patient sql.NullString
	if a.patientID != "" {
		patient = sql.NullString{String: a.patientID, Valid: true}
	}

	id := uuid.New()
	_, err := a.db.ExecContext(ctx, insertReading,
		id.String(), a.sessionID.String(), a.deviceID, patient, rec.Timestamp, a.now().UTC(), rec.Replayed,
		rec.BarometricPressure, rec.Temperature, rec.Altitude, rec.HeartRate,
		rec.AccelX, rec.AccelY, rec.AccelZ, rec.AccelMagnitude, rec.AccelMaxDelta, rec.StepCount,
	)
	if err != nil {
		a.healthy.Store(false)
		return fmt.Errorf("insert reading: %w", err)
	}
	a.healthy.Store(true)

	a.logger.WithFields(logrus.Fields{
		"id":        id,
		"timestamp": rec.Timestamp,
	}).Debug("Archived reading")
	return nil
}

// IsConnected reports whether the last insert succeeded.
func (a *Archive) IsConnected() bool { return a.healthy.Load() }
