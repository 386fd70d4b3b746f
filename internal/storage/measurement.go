package storage

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/logging"
	"github.com/brocaar/lorawan"
)

// Measurement defines a decoded measurement stored in PostgreSQL.
type Measurement struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	DevEUI        lorawan.EUI64 `db:"dev_eui" json:"dev_eui"`
	FCnt          uint32        `db:"f_cnt" json:"f_cnt"`
	Format        string        `db:"format" json:"format"`
	Temperature   float64       `db:"temperature" json:"temperature"`
	Humidity      float64       `db:"humidity" json:"humidity"`
	Battery       float64       `db:"battery" json:"battery"`
	SolarCharging *bool         `db:"solar_charging" json:"solar_charging,omitempty"`
	Valid         bool          `db:"valid" json:"valid"`
}

// CreateMeasurement creates the given measurement.
func CreateMeasurement(ctx context.Context, db sqlx.ExecerContext, m *Measurement) error {
	var err error
	if m.ID == uuid.Nil {
		m.ID, err = uuid.NewV4()
		if err != nil {
			return errors.Wrap(err, "new uuid v4 error")
		}
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.Round(time.Microsecond)

	_, err = db.ExecContext(ctx, `
		insert into measurement (
			id,
			created_at,
			dev_eui,
			f_cnt,
			format,
			temperature,
			humidity,
			battery,
			solar_charging,
			valid
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID,
		m.CreatedAt,
		m.DevEUI[:],
		m.FCnt,
		m.Format,
		m.Temperature,
		m.Humidity,
		m.Battery,
		m.SolarCharging,
		m.Valid,
	)
	if err != nil {
		return handlePSQLError(err, "insert error")
	}

	log.WithFields(log.Fields{
		"id":      m.ID,
		"dev_eui": m.DevEUI,
		"f_cnt":   m.FCnt,
		"ctx_id":  logging.GetContextID(ctx),
	}).Info("storage: measurement created")

	return nil
}

// GetMeasurements returns the measurements of the given device within the
// given time range, newest first.
func GetMeasurements(ctx context.Context, db sqlx.QueryerContext, devEUI lorawan.EUI64, start, end time.Time, limit int) ([]Measurement, error) {
	var out []Measurement

	err := sqlx.SelectContext(ctx, db, &out, `
		select
			*
		from
			measurement
		where
			dev_eui = $1
			and created_at >= $2
			and created_at <= $3
		order by
			created_at desc
		limit $4`,
		devEUI[:],
		start,
		end,
		limit,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select error")
	}

	return out, nil
}

// DeleteMeasurementsBefore removes the measurements older than the given
// timestamp. It returns the number of deleted rows.
func DeleteMeasurementsBefore(ctx context.Context, db sqlx.ExecerContext, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "delete from measurement where created_at < $1", before)
	if err != nil {
		return 0, handlePSQLError(err, "delete error")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "get rows affected error")
	}
	return n, nil
}

// MeasurementRetentionLoop removes the measurements older than the given
// retention, directly and then every interval, until the context is
// cancelled. Errors are logged.
func MeasurementRetentionLoop(ctx context.Context, db sqlx.ExecerContext, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := pruneMeasurements(ctx, db, retention, time.Now()); err != nil {
			log.WithError(err).Error("storage: prune measurements error")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneMeasurements(ctx context.Context, db sqlx.ExecerContext, retention time.Duration, now time.Time) (int64, error) {
	before := now.Add(-retention)

	n, err := DeleteMeasurementsBefore(ctx, db, before)
	if err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{
		"before":  before,
		"deleted": n,
	}).Info("storage: measurements pruned")

	return n, nil
}
