// Package storage keeps decoded telemetry in a SQLite database, one session
// per ground station run.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/telemetry"
)

// Row is one stored record with the attitude fused from it, if any.
type Row struct {
	Record telemetry.Record

	HaveAttitude bool
	Q            ahrs.Quaternion
	HeadingDeg   float64
}

type Session struct {
	ID        int64
	StartedAt time.Time
	Device    string
	Config    *string
}

type Store struct {
	db *sql.DB

	closeOnce sync.Once
	closeErr  error
}

// Open creates or opens the database at path in WAL mode and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; readers share it. SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// CreateSession starts a new session. config, when not nil, is stored as
// JSON (strings and byte slices are stored as-is).
func (s *Store) CreateSession(ctx context.Context, startedAt time.Time, device string, config any) (sessionID int64, err error) {
	var configData sql.NullString
	switch c := config.(type) {
	case nil:
	case string:
		configData = sql.NullString{String: c, Valid: true}
	case []byte:
		configData = sql.NullString{String: string(c), Valid: true}
	default:
		b, mErr := json.Marshal(c)
		if mErr != nil {
			return 0, fmt.Errorf("marshaling config: %w", mErr)
		}
		configData = sql.NullString{String: string(b), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, insertSessionSQL, startedAt.UTC().UnixNano(), device, configData)
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}
	sessionID, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting session ID: %w", err)
	}
	return sessionID, nil
}

func (s *Store) Sessions(ctx context.Context) (sessions []Session, err error) {
	rows, err := s.db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var started int64
		var config sql.NullString
		if err = rows.Scan(&sess.ID, &started, &sess.Device, &config); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.StartedAt = time.Unix(0, started).UTC()
		if config.Valid {
			sess.Config = &config.String
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// InsertRecords writes rows in a single transaction. A row whose seq is
// already stored for the session replaces it.
func (s *Store) InsertRecords(ctx context.Context, sessionID int64, rows []Row) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertRecordSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	for _, row := range rows {
		r := row.Record
		var qw, qx, qy, qz, heading sql.NullFloat64
		if row.HaveAttitude {
			qw = sql.NullFloat64{Float64: row.Q.W, Valid: true}
			qx = sql.NullFloat64{Float64: row.Q.X, Valid: true}
			qy = sql.NullFloat64{Float64: row.Q.Y, Valid: true}
			qz = sql.NullFloat64{Float64: row.Q.Z, Valid: true}
			heading = sql.NullFloat64{Float64: row.HeadingDeg, Valid: true}
		}
		if _, err = stmt.ExecContext(ctx,
			sessionID, int64(r.Seq), r.ReceivedAt.UTC().UnixNano(),
			r.BatteryPct, r.AltitudeM, r.PressureHPa, r.TemperatureC, r.HumidityPct,
			r.LatDeg, r.LonDeg,
			r.Accel[0], r.Accel[1], r.Accel[2],
			r.Gyro[0], r.Gyro[1], r.Gyro[2],
			r.Mag[0], r.Mag[1], r.Mag[2],
			qw, qx, qy, qz, heading,
		); err != nil {
			return fmt.Errorf("inserting record seq=%d: %w", r.Seq, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Records returns up to limit rows of a session in seq order; limit <= 0
// returns all of them.
func (s *Store) Records(ctx context.Context, sessionID int64, limit int) (out []Row, err error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRecordsSQL, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var row Row
		r := &row.Record
		var seq, received int64
		var qw, qx, qy, qz, heading sql.NullFloat64
		if err = rows.Scan(&seq, &received,
			&r.BatteryPct, &r.AltitudeM, &r.PressureHPa, &r.TemperatureC, &r.HumidityPct,
			&r.LatDeg, &r.LonDeg,
			&r.Accel[0], &r.Accel[1], &r.Accel[2],
			&r.Gyro[0], &r.Gyro[1], &r.Gyro[2],
			&r.Mag[0], &r.Mag[1], &r.Mag[2],
			&qw, &qx, &qy, &qz, &heading,
		); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		r.Seq = uint64(seq)
		r.ReceivedAt = time.Unix(0, received).UTC()
		if qw.Valid {
			row.HaveAttitude = true
			row.Q = ahrs.Quaternion{W: qw.Float64, X: qx.Float64, Y: qy.Float64, Z: qz.Float64}
			row.HeadingDeg = heading.Float64
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
