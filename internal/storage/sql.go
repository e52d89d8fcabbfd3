package storage

import (
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertSessionSQL = `
INSERT INTO sessions (started_at, device, config)
VALUES (?, ?, ?)`

	insertRecordSQL = `
INSERT OR REPLACE INTO records (session_id,
                                seq,
                                received_at,
                                battery_pct,
                                altitude_m,
                                pressure_hpa,
                                temperature_c,
                                humidity_pct,
                                lat_deg,
                                lon_deg,
                                accel_x, accel_y, accel_z,
                                gyro_x, gyro_y, gyro_z,
                                mag_x, mag_y, mag_z,
                                q_w, q_x, q_y, q_z,
                                heading_deg)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecordsSQL = `
SELECT seq,
       received_at,
       battery_pct,
       altitude_m,
       pressure_hpa,
       temperature_c,
       humidity_pct,
       lat_deg,
       lon_deg,
       accel_x, accel_y, accel_z,
       gyro_x, gyro_y, gyro_z,
       mag_x, mag_y, mag_z,
       q_w, q_x, q_y, q_z,
       heading_deg
FROM records
WHERE session_id = ?
ORDER BY seq
LIMIT ?`

	selectSessionsSQL = `
SELECT id, started_at, device, config
FROM sessions
ORDER BY id`
)
