package ahrs

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

const g = 9.80665

func requireUnit(t *testing.T, q Quaternion) {
	t.Helper()
	if n := q.Norm(); math.Abs(n-1) > 1e-6 {
		t.Fatalf("|q|=%.12f want 1", n)
	}
}

func requireNear(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s=%v want %v (±%v)", name, got, want, tol)
	}
}

func TestUpdate_ConstantInputsStayStable(t *testing.T) {
	e := New(DefaultConfig())
	accel := [3]float64{0, 0, 9.8}
	mag := [3]float64{10, 0, 40}

	first := e.Update(accel, [3]float64{}, mag, 10*time.Millisecond)
	requireUnit(t, first.Q)
	if !first.Seeded {
		t.Fatalf("expected seeded after first sample")
	}
	var last Estimate
	for i := 0; i < 2000; i++ {
		last = e.Update(accel, [3]float64{}, mag, 10*time.Millisecond)
		requireUnit(t, last.Q)
		if last.Flags != 0 {
			t.Fatalf("step %d flags=%v", i, last.Flags)
		}
	}
	if a := first.Q.AngleTo(last.Q); a > 1e-6 {
		t.Fatalf("attitude drifted %v rad", a)
	}
	requireNear(t, "roll", last.RollDeg, 0, 1e-6)
	requireNear(t, "pitch", last.PitchDeg, 0, 1e-6)
	requireNear(t, "yaw", last.YawDeg, 0, 1e-6)
}

func TestUpdate_ZeroAccelSkipsCorrection(t *testing.T) {
	e := New(DefaultConfig())
	e.Update([3]float64{0, 0, g}, [3]float64{}, [3]float64{10, 0, 40}, 10*time.Millisecond)

	est := e.Update([3]float64{}, [3]float64{}, [3]float64{10, 0, 40}, 10*time.Millisecond)
	requireUnit(t, est.Q)
	if !est.Flags.Has(FlagAccelRejected) {
		t.Fatalf("flags=%v want accel_rejected", est.Flags)
	}
	if est.Flags.Has(FlagMagRejected) {
		t.Fatalf("flags=%v mag should be usable", est.Flags)
	}
}

func TestUpdate_ZeroAccelBeforeSeed(t *testing.T) {
	e := New(DefaultConfig())
	est := e.Update([3]float64{}, [3]float64{}, [3]float64{}, 10*time.Millisecond)
	requireUnit(t, est.Q)
	if est.Seeded {
		t.Fatalf("seeded from a zero accelerometer")
	}
	if !est.Flags.Has(FlagAccelRejected) || !est.Flags.Has(FlagMagRejected) {
		t.Fatalf("flags=%v", est.Flags)
	}
	if est.Q != Identity {
		t.Fatalf("q=%+v want identity", est.Q)
	}
}

func TestUpdate_NaNGyroIgnored(t *testing.T) {
	e := New(DefaultConfig())
	est := e.Update([3]float64{0, 0, g}, [3]float64{math.NaN(), 0, math.Inf(1)}, [3]float64{}, 10*time.Millisecond)
	requireUnit(t, est.Q)
	est = e.Update([3]float64{0, 0, g}, [3]float64{math.NaN(), 0, math.Inf(1)}, [3]float64{}, 10*time.Millisecond)
	requireUnit(t, est.Q)
}

func TestSeed_HeadingFromMagnetometer(t *testing.T) {
	e := New(DefaultConfig())
	// North lies along sensor -y, so sensor +x points west.
	est := e.Update([3]float64{0, 0, g}, [3]float64{}, [3]float64{0, -10, 40}, 10*time.Millisecond)
	requireNear(t, "yaw", est.YawDeg, 90, 1e-9)
	requireNear(t, "heading", est.HeadingDeg, 270, 1e-9)
	requireNear(t, "roll", est.RollDeg, 0, 1e-9)
	requireNear(t, "pitch", est.PitchDeg, 0, 1e-9)
}

func TestSeed_TiltFromGravity(t *testing.T) {
	e := New(DefaultConfig())
	s30 := math.Sin(30 * math.Pi / 180)
	c30 := math.Cos(30 * math.Pi / 180)
	est := e.Update([3]float64{0, s30 * 9.8, c30 * 9.8}, [3]float64{}, [3]float64{}, 10*time.Millisecond)
	requireNear(t, "roll", est.RollDeg, 30, 1e-9)
	requireNear(t, "pitch", est.PitchDeg, 0, 1e-9)

	// Gravity must map back to earth up.
	up := est.Matrix.MulVec([3]float64{0, s30, c30})
	requireNear(t, "up.z", up[2], 1, 1e-9)
}

func TestGyroIntegration(t *testing.T) {
	e := New(DefaultConfig())
	var est Estimate
	for i := 0; i < 200; i++ {
		est = e.Update([3]float64{}, [3]float64{0, 0, 0.5}, [3]float64{}, 10*time.Millisecond)
		requireUnit(t, est.Q)
	}
	requireNear(t, "yaw", est.YawDeg*math.Pi/180, 1.0, 1e-9)
}

func TestGyroIntegration_WrapsPastPi(t *testing.T) {
	e := New(DefaultConfig())
	var est Estimate
	// 1.5 turns about z.
	for i := 0; i < 300; i++ {
		est = e.Update([3]float64{}, [3]float64{0, 0, math.Pi}, [3]float64{}, 10*time.Millisecond)
	}
	requireUnit(t, est.Q)
	if math.Abs(math.Abs(est.YawDeg)-180) > 1e-6 {
		t.Fatalf("yaw=%v want ±180", est.YawDeg)
	}
}

func TestUpdate_ClampsDT(t *testing.T) {
	e := New(DefaultConfig())
	est := e.Update([3]float64{}, [3]float64{0, 0, 1}, [3]float64{}, 10*time.Second)
	if !est.Flags.Has(FlagDTClamped) || est.DT != 250*time.Millisecond {
		t.Fatalf("dt=%v flags=%v", est.DT, est.Flags)
	}
	requireNear(t, "yaw", est.YawDeg*math.Pi/180, 0.25, 1e-9)

	est = e.Update([3]float64{}, [3]float64{}, [3]float64{}, 0)
	if !est.Flags.Has(FlagDTClamped) || est.DT != time.Millisecond {
		t.Fatalf("dt=%v flags=%v", est.DT, est.Flags)
	}

	est = e.Update([3]float64{}, [3]float64{}, [3]float64{}, 20*time.Millisecond)
	if est.Flags.Has(FlagDTClamped) {
		t.Fatalf("flags=%v", est.Flags)
	}
}

func TestAccelCorrectionConverges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ki = 0
	e := New(cfg)
	e.Update([3]float64{0, 0, g}, [3]float64{}, [3]float64{}, 10*time.Millisecond)

	s30 := math.Sin(30 * math.Pi / 180)
	c30 := math.Cos(30 * math.Pi / 180)
	var est Estimate
	for i := 0; i < 2000; i++ {
		est = e.Update([3]float64{0, s30 * g, c30 * g}, [3]float64{}, [3]float64{}, 10*time.Millisecond)
		requireUnit(t, est.Q)
	}
	requireNear(t, "roll", est.RollDeg, 30, 0.01)
	requireNear(t, "pitch", est.PitchDeg, 0, 0.01)
}

func TestMagCorrectionConvergesHeadingOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ki = 0
	cfg.KpMag = 1
	e := New(cfg)
	e.Update([3]float64{0, 0, g}, [3]float64{}, [3]float64{10, 0, 40}, 10*time.Millisecond)

	var est Estimate
	for i := 0; i < 2000; i++ {
		est = e.Update([3]float64{0, 0, g}, [3]float64{}, [3]float64{0, -10, 40}, 10*time.Millisecond)
	}
	requireNear(t, "yaw", est.YawDeg, 90, 0.01)
	requireNear(t, "roll", est.RollDeg, 0, 1e-6)
	requireNear(t, "pitch", est.PitchDeg, 0, 1e-6)
}

func TestIntegralLearnsGyroBias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ki = 0.1
	e := New(cfg)
	e.Update([3]float64{0, 0, g}, [3]float64{}, [3]float64{}, 10*time.Millisecond)

	bias := [3]float64{0.02, -0.01, 0}
	var est Estimate
	for i := 0; i < 8000; i++ {
		est = e.Update([3]float64{0, 0, g}, bias, [3]float64{}, 10*time.Millisecond)
	}
	requireNear(t, "bias.x", est.GyroBias[0], bias[0], 1e-3)
	requireNear(t, "bias.y", est.GyroBias[1], bias[1], 1e-3)
	requireNear(t, "roll", est.RollDeg, 0, 0.05)
	requireNear(t, "pitch", est.PitchDeg, 0, 0.05)
}

func TestFuse_DTFromTimestamps(t *testing.T) {
	e := New(DefaultConfig())
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	est := e.Fuse(Sample{Seq: 1, Time: t0, Accel: [3]float64{0, 0, g}})
	if est.DT != 100*time.Millisecond || est.Seq != 1 || !est.At.Equal(t0) {
		t.Fatalf("first: dt=%v seq=%d at=%v", est.DT, est.Seq, est.At)
	}

	est = e.Fuse(Sample{Seq: 2, Time: t0.Add(40 * time.Millisecond), Accel: [3]float64{0, 0, g}})
	if est.DT != 40*time.Millisecond || est.Flags.Has(FlagDTClamped) {
		t.Fatalf("second: dt=%v flags=%v", est.DT, est.Flags)
	}

	// Stalled link: a 30 s gap must not be integrated as one step.
	est = e.Fuse(Sample{Seq: 3, Time: t0.Add(30 * time.Second), Accel: [3]float64{0, 0, g}, Gyro: [3]float64{0, 0, 1}})
	if est.DT != 250*time.Millisecond || !est.Flags.Has(FlagDTClamped) {
		t.Fatalf("stall: dt=%v flags=%v", est.DT, est.Flags)
	}

	// Out-of-order timestamp.
	est = e.Fuse(Sample{Seq: 4, Time: t0, Accel: [3]float64{0, 0, g}})
	if est.DT != time.Millisecond || !est.Flags.Has(FlagDTClamped) {
		t.Fatalf("backwards: dt=%v flags=%v", est.DT, est.Flags)
	}
	if e.Current().Seq != 4 {
		t.Fatalf("current seq=%d want 4", e.Current().Seq)
	}
}

func TestReset(t *testing.T) {
	e := New(DefaultConfig())
	e.Update([3]float64{0, 0, g}, [3]float64{}, [3]float64{0, -10, 40}, 10*time.Millisecond)
	e.Reset()
	cur := e.Current()
	if cur.Q != Identity || cur.Seeded || cur.Updates != 0 {
		t.Fatalf("after reset: %+v", cur)
	}
	est := e.Fuse(Sample{Time: time.Now(), Accel: [3]float64{0, 0, g}})
	if est.DT != 100*time.Millisecond {
		t.Fatalf("dt=%v want nominal after reset", est.DT)
	}
}

func TestFlagsJSON(t *testing.T) {
	b, err := json.Marshal(FlagAccelRejected | FlagDTClamped)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `["accel_rejected","dt_clamped"]` {
		t.Fatalf("json=%s", b)
	}
	b, _ = json.Marshal(Flags(0))
	if string(b) != `[]` {
		t.Fatalf("json=%s", b)
	}
	if Flags(0).String() != "none" {
		t.Fatalf("String=%q", Flags(0).String())
	}
}
