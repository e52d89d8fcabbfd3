package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// FieldCount is the number of comma-separated fields in one CanSat frame.
const FieldCount = 16

// Field order on the wire. Must match the device firmware.
var fieldNames = [FieldCount]string{
	"battery",
	"altitude",
	"pressure",
	"temperature",
	"humidity",
	"latitude",
	"longitude",
	"accel_x",
	"accel_y",
	"accel_z",
	"gyro_x",
	"gyro_y",
	"gyro_z",
	"mag_x",
	"mag_y",
	"mag_z",
}

var (
	ErrFieldCount  = errors.New("telemetry: wrong field count")
	ErrNotNumeric  = errors.New("telemetry: field is not a finite number")
	ErrOutOfRange  = errors.New("telemetry: field out of range")
	ErrInvalidUnit = errors.New("telemetry: unknown gyro unit")
)

// Record is one decoded telemetry frame. It is a value; nothing mutates it
// after the decoder hands it out.
//
// Gyro is always rad/s regardless of the unit used on the wire.
type Record struct {
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`

	BatteryPct   float64 `json:"battery_pct"`
	AltitudeM    float64 `json:"altitude_m"`
	PressureHPa  float64 `json:"pressure_hpa"`
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
	LatDeg       float64 `json:"lat_deg"`
	LonDeg       float64 `json:"lon_deg"`

	Accel [3]float64 `json:"accel_mps2"`
	Gyro  [3]float64 `json:"gyro_radps"`
	Mag   [3]float64 `json:"mag_ut"`
}

// GyroUnit is the angular rate unit the firmware sends.
type GyroUnit string

const (
	GyroDegPerSec GyroUnit = "deg"
	GyroRadPerSec GyroUnit = "rad"
)

// ParseGyroUnit accepts "deg", "rad" and a few spellings of each.
func ParseGyroUnit(s string) (GyroUnit, error) {
	switch s {
	case "", "deg", "deg/s", "dps":
		return GyroDegPerSec, nil
	case "rad", "rad/s", "rps":
		return GyroRadPerSec, nil
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidUnit, s)
	}
}

// Limits are the physically plausible bounds a frame must satisfy.
// Vector limits apply to each axis.
type Limits struct {
	MaxAltitudeM   float64
	MinPressureHPa float64
	MaxPressureHPa float64
	MinTempC       float64
	MaxTempC       float64
	MaxAccel       float64 // m/s²
	MaxGyro        float64 // rad/s
	MaxMag         float64 // µT
}

// DefaultLimits are generous enough for a CanSat flight (launch up to a few
// km, ~16 g accelerometers, 2000 °/s gyros).
func DefaultLimits() Limits {
	return Limits{
		MaxAltitudeM:   50000,
		MinPressureHPa: 0,
		MaxPressureHPa: 1200,
		MinTempC:       -90,
		MaxTempC:       125,
		MaxAccel:       32 * 9.80665,
		MaxGyro:        4000 * math.Pi / 180,
		MaxMag:         5000,
	}
}

// ParseOptions controls ParseFrame.
type ParseOptions struct {
	GyroUnit GyroUnit
	Limits   Limits
}

// ParseFrame parses one frame (without the trailing newline) into a Record.
// Seq and ReceivedAt are left for the caller to assign.
//
// Either every field parses and is in range, or an error wrapping one of
// ErrFieldCount, ErrNotNumeric or ErrOutOfRange is returned.
func ParseFrame(line []byte, opts ParseOptions) (Record, error) {
	line = bytes.TrimSpace(line)
	if n := bytes.Count(line, []byte{','}) + 1; n != FieldCount {
		return Record{}, fmt.Errorf("%w: got %d want %d", ErrFieldCount, n, FieldCount)
	}

	var vals [FieldCount]float64
	rest := line
	for i := 0; i < FieldCount; i++ {
		var field []byte
		if j := bytes.IndexByte(rest, ','); j >= 0 {
			field, rest = rest[:j], rest[j+1:]
		} else {
			field, rest = rest, nil
		}
		field = bytes.TrimSpace(field)
		if !decimal(field) {
			return Record{}, fmt.Errorf("%w: %s=%q", ErrNotNumeric, fieldNames[i], field)
		}
		v, err := strconv.ParseFloat(string(field), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Record{}, fmt.Errorf("%w: %s=%q", ErrNotNumeric, fieldNames[i], field)
		}
		vals[i] = v
	}

	gyroScale := math.Pi / 180
	switch opts.GyroUnit {
	case GyroRadPerSec:
		gyroScale = 1
	case GyroDegPerSec, "":
	default:
		return Record{}, fmt.Errorf("%w %q", ErrInvalidUnit, opts.GyroUnit)
	}

	r := Record{
		BatteryPct:   vals[0],
		AltitudeM:    vals[1],
		PressureHPa:  vals[2],
		TemperatureC: vals[3],
		HumidityPct:  vals[4],
		LatDeg:       vals[5],
		LonDeg:       vals[6],
		Accel:        [3]float64{vals[7], vals[8], vals[9]},
		Gyro:         [3]float64{vals[10] * gyroScale, vals[11] * gyroScale, vals[12] * gyroScale},
		Mag:          [3]float64{vals[13], vals[14], vals[15]},
	}
	lim := opts.Limits
	if lim == (Limits{}) {
		lim = DefaultLimits()
	}
	if err := r.check(lim); err != nil {
		return Record{}, err
	}
	return r, nil
}

// decimal rejects what ParseFloat takes beyond plain decimal notation:
// hex floats, digit separators, inf and nan.
func decimal(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
		case c == '.', c == '-', c == '+', c == 'e', c == 'E':
		default:
			return false
		}
	}
	return true
}

func (r Record) check(lim Limits) error {
	if r.BatteryPct < 0 || r.BatteryPct > 100 {
		return outOfRange("battery", r.BatteryPct)
	}
	if r.AltitudeM < 0 || r.AltitudeM > lim.MaxAltitudeM {
		return outOfRange("altitude", r.AltitudeM)
	}
	if r.PressureHPa <= lim.MinPressureHPa || r.PressureHPa > lim.MaxPressureHPa {
		return outOfRange("pressure", r.PressureHPa)
	}
	if r.TemperatureC < lim.MinTempC || r.TemperatureC > lim.MaxTempC {
		return outOfRange("temperature", r.TemperatureC)
	}
	if r.HumidityPct < 0 || r.HumidityPct > 100 {
		return outOfRange("humidity", r.HumidityPct)
	}
	if r.LatDeg < -90 || r.LatDeg > 90 {
		return outOfRange("latitude", r.LatDeg)
	}
	if r.LonDeg < -180 || r.LonDeg > 180 {
		return outOfRange("longitude", r.LonDeg)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(r.Accel[i]) > lim.MaxAccel {
			return outOfRange(fieldNames[7+i], r.Accel[i])
		}
		if math.Abs(r.Gyro[i]) > lim.MaxGyro {
			return outOfRange(fieldNames[10+i], r.Gyro[i])
		}
		if math.Abs(r.Mag[i]) > lim.MaxMag {
			return outOfRange(fieldNames[13+i], r.Mag[i])
		}
	}
	return nil
}

func outOfRange(name string, v float64) error {
	return fmt.Errorf("%w: %s=%g", ErrOutOfRange, name, v)
}
