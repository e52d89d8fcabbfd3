package ahrs

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"cansat-groundstation/internal/telemetry"
)

type Config struct {
	// Kp pulls the attitude toward the accelerometer's gravity reference.
	Kp float64
	// Ki integrates the same error into a gyro bias estimate. Zero disables it.
	Ki float64
	// KpMag pulls heading toward the magnetometer. Zero disables the magnetometer.
	KpMag float64

	MinDT     time.Duration
	MaxDT     time.Duration
	NominalDT time.Duration

	// Vectors shorter than these are treated as missing.
	MinAccelNorm float64 // m/s²
	MinMagNorm   float64 // µT
}

func DefaultConfig() Config {
	return Config{
		Kp:           1.0,
		Ki:           0.02,
		KpMag:        0.5,
		MinDT:        time.Millisecond,
		MaxDT:        250 * time.Millisecond,
		NominalDT:    100 * time.Millisecond,
		MinAccelNorm: 1.0,
		MinMagNorm:   1.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Kp <= 0 {
		c.Kp = d.Kp
	}
	if c.Ki < 0 {
		c.Ki = 0
	}
	if c.KpMag < 0 {
		c.KpMag = 0
	}
	if c.MinDT <= 0 {
		c.MinDT = d.MinDT
	}
	if c.MaxDT <= 0 {
		c.MaxDT = d.MaxDT
	}
	if c.MaxDT < c.MinDT {
		c.MaxDT = c.MinDT
	}
	if c.NominalDT <= 0 {
		c.NominalDT = d.NominalDT
	}
	if c.NominalDT < c.MinDT {
		c.NominalDT = c.MinDT
	}
	if c.NominalDT > c.MaxDT {
		c.NominalDT = c.MaxDT
	}
	if c.MinAccelNorm <= 0 {
		c.MinAccelNorm = d.MinAccelNorm
	}
	if c.MinMagNorm <= 0 {
		c.MinMagNorm = d.MinMagNorm
	}
	return c
}

// Flags report which parts of an update were skipped or adjusted.
type Flags uint8

const (
	FlagAccelRejected Flags = 1 << iota
	FlagMagRejected
	FlagDTClamped
)

func (f Flags) Has(x Flags) bool { return f&x != 0 }

func (f Flags) Names() []string {
	names := []string{}
	if f.Has(FlagAccelRejected) {
		names = append(names, "accel_rejected")
	}
	if f.Has(FlagMagRejected) {
		names = append(names, "mag_rejected")
	}
	if f.Has(FlagDTClamped) {
		names = append(names, "dt_clamped")
	}
	return names
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

func (f Flags) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Names())
}

// Estimate is the attitude after one update.
type Estimate struct {
	Seq uint64    `json:"seq"`
	At  time.Time `json:"at"`

	Q      Quaternion `json:"q"`
	Matrix Matrix     `json:"matrix"`

	RollDeg    float64 `json:"roll_deg"`
	PitchDeg   float64 `json:"pitch_deg"`
	YawDeg     float64 `json:"yaw_deg"`
	HeadingDeg float64 `json:"heading_deg"`

	GyroBias [3]float64    `json:"gyro_bias_radps"`
	DT       time.Duration `json:"dt_ns"`
	Flags    Flags         `json:"flags"`
	Seeded   bool          `json:"seeded"`
	Updates  uint64        `json:"updates"`
}

// Sample is one inertial/magnetic measurement. Gyro is rad/s.
type Sample struct {
	Seq   uint64
	Time  time.Time
	Accel [3]float64
	Gyro  [3]float64
	Mag   [3]float64
}

func SampleFromRecord(r telemetry.Record) Sample {
	return Sample{Seq: r.Seq, Time: r.ReceivedAt, Accel: r.Accel, Gyro: r.Gyro, Mag: r.Mag}
}

// Estimator is a Mahony complementary filter in quaternion form. Gyro rates
// are integrated exactly; the accelerometer corrects tilt and the
// magnetometer corrects heading only.
//
// An Estimator is owned by one goroutine; it does no locking.
type Estimator struct {
	cfg Config

	q        Quaternion
	integral [3]float64
	seeded   bool
	updates  uint64

	lastAt   time.Time
	haveLast bool

	last Estimate
}

func New(cfg Config) *Estimator {
	e := &Estimator{cfg: cfg.withDefaults()}
	e.Reset()
	return e
}

func (e *Estimator) Config() Config { return e.cfg }

// Reset returns the estimator to identity with no bias and no history.
func (e *Estimator) Reset() {
	e.q = Identity
	e.integral = [3]float64{}
	e.seeded = false
	e.updates = 0
	e.lastAt = time.Time{}
	e.haveLast = false
	e.last = e.estimate(0, 0)
}

// Current returns the most recent estimate without updating.
func (e *Estimator) Current() Estimate { return e.last }

// Fuse updates from a timestamped sample. dt comes from consecutive sample
// times; the first sample after Reset uses NominalDT.
func (e *Estimator) Fuse(s Sample) Estimate {
	dt := e.cfg.NominalDT
	if e.haveLast {
		dt = s.Time.Sub(e.lastAt)
	}
	e.lastAt = s.Time
	e.haveLast = true

	est := e.Update(s.Accel, s.Gyro, s.Mag, dt)
	est.Seq = s.Seq
	est.At = s.Time
	e.last = est
	return est
}

// Update advances the filter by dt. Near-zero accel or mag vectors skip
// their correction and are reported in Flags; dt outside [MinDT, MaxDT] is
// clamped. The returned quaternion is always unit length.
func (e *Estimator) Update(accel, gyro, mag [3]float64, dt time.Duration) Estimate {
	var flags Flags
	if dt < e.cfg.MinDT {
		dt = e.cfg.MinDT
		flags |= FlagDTClamped
	} else if dt > e.cfg.MaxDT {
		dt = e.cfg.MaxDT
		flags |= FlagDTClamped
	}
	dts := dt.Seconds()

	aHat, accelOK := unit3(accel, e.cfg.MinAccelNorm)
	if !accelOK {
		flags |= FlagAccelRejected
	}
	mHat, magOK := unit3(mag, e.cfg.MinMagNorm)
	if e.cfg.KpMag > 0 && !magOK {
		flags |= FlagMagRejected
	}
	magOK = magOK && e.cfg.KpMag > 0
	if !finite3(gyro) {
		gyro = [3]float64{}
	}

	e.updates++
	if !e.seeded && accelOK {
		e.seed(aHat, mHat, magOK)
		e.last = e.estimate(dt, flags)
		return e.last
	}

	R := e.q.Matrix()
	// Estimated gravity direction in the sensor frame.
	v := [3]float64{R[2][0], R[2][1], R[2][2]}

	var errA, errM [3]float64
	if accelOK {
		errA = cross3(aHat, v)
	}
	if magOK {
		h := R.MulVec(mHat)
		hxy := math.Hypot(h[0], h[1])
		if hxy > 0.05 {
			// Heading error about the estimated vertical, normalized for
			// inclination.
			errM = scale3(v, -h[1]/hxy)
		} else {
			flags |= FlagMagRejected
		}
	}

	if e.cfg.Ki > 0 {
		e.integral = add3(e.integral, scale3(add3(errA, errM), e.cfg.Ki*dts))
	}
	omega := add3(gyro, scale3(errA, e.cfg.Kp))
	omega = add3(omega, scale3(errM, e.cfg.KpMag))
	omega = add3(omega, e.integral)

	e.q = e.q.Mul(fromRotationVector(omega, dts)).Normalized()
	e.last = e.estimate(dt, flags)
	return e.last
}

// seed sets the attitude directly from gravity and, when available, the
// horizontal magnetic field.
func (e *Estimator) seed(up, mHat [3]float64, magOK bool) {
	var north [3]float64
	ok := false
	if magOK {
		north, ok = unit3(sub3(mHat, scale3(up, dot3(mHat, up))), 0.05)
	}
	for _, axis := range [][3]float64{{1, 0, 0}, {0, 1, 0}} {
		if ok {
			break
		}
		north, ok = unit3(sub3(axis, scale3(up, dot3(axis, up))), 0.05)
	}
	west := cross3(up, north)
	e.q = quaternionFromMatrix(Matrix{north, west, up})
	e.seeded = true
}

func (e *Estimator) estimate(dt time.Duration, flags Flags) Estimate {
	eul := e.q.Euler()
	yaw := eul.Yaw * 180 / math.Pi
	return Estimate{
		Q:          e.q,
		Matrix:     e.q.Matrix(),
		RollDeg:    eul.Roll * 180 / math.Pi,
		PitchDeg:   eul.Pitch * 180 / math.Pi,
		YawDeg:     yaw,
		HeadingDeg: wrap360(-yaw),
		GyroBias:   scale3(e.integral, -1),
		DT:         dt,
		Flags:      flags,
		Seeded:     e.seeded,
		Updates:    e.updates,
	}
}

func finite3(v [3]float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
