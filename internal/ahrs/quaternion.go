package ahrs

import "math"

// Quaternion is a rotation (W, X, Y, Z) taking sensor-frame vectors into the
// earth frame (x magnetic north, y west, z up).
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Identity is the attitude of a level sensor with +x pointing north.
var Identity = Quaternion{W: 1}

func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalized returns q scaled to unit length. A degenerate q yields Identity.
func (q Quaternion) Normalized() Quaternion {
	n := q.Norm()
	if n < 1e-12 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity
	}
	return Quaternion{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// Mul returns the Hamilton product q ⊗ r.
func (q Quaternion) Mul(r Quaternion) Quaternion {
	return Quaternion{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// Rotate maps a sensor-frame vector into the earth frame.
func (q Quaternion) Rotate(v [3]float64) [3]float64 {
	return q.Matrix().MulVec(v)
}

// fromRotationVector is the exact rotation by |w|*dt radians about w.
func fromRotationVector(w [3]float64, dt float64) Quaternion {
	n := norm3(w)
	theta := n * dt
	if n < 1e-12 || theta == 0 {
		return Identity
	}
	s := math.Sin(theta/2) / n
	return Quaternion{W: math.Cos(theta / 2), X: w[0] * s, Y: w[1] * s, Z: w[2] * s}
}

// Matrix is a row-major 3x3 rotation.
type Matrix [3][3]float64

func (m Matrix) MulVec(v [3]float64) [3]float64 {
	return [3]float64{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

func (m Matrix) Transpose() Matrix {
	var t Matrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = m[j][i]
		}
	}
	return t
}

// Matrix returns the sensor->earth rotation matrix of q.
func (q Quaternion) Matrix() Matrix {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return Matrix{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// quaternionFromMatrix converts a proper rotation matrix (Shepperd's method).
func quaternionFromMatrix(m Matrix) Quaternion {
	tr := m[0][0] + m[1][1] + m[2][2]
	var q Quaternion
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = Quaternion{
			W: s / 4,
			X: (m[2][1] - m[1][2]) / s,
			Y: (m[0][2] - m[2][0]) / s,
			Z: (m[1][0] - m[0][1]) / s,
		}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q = Quaternion{
			W: (m[2][1] - m[1][2]) / s,
			X: s / 4,
			Y: (m[0][1] + m[1][0]) / s,
			Z: (m[0][2] + m[2][0]) / s,
		}
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q = Quaternion{
			W: (m[0][2] - m[2][0]) / s,
			X: (m[0][1] + m[1][0]) / s,
			Y: s / 4,
			Z: (m[1][2] + m[2][1]) / s,
		}
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q = Quaternion{
			W: (m[1][0] - m[0][1]) / s,
			X: (m[0][2] + m[2][0]) / s,
			Y: (m[1][2] + m[2][1]) / s,
			Z: s / 4,
		}
	}
	if q.W < 0 {
		q = Quaternion{-q.W, -q.X, -q.Y, -q.Z}
	}
	return q.Normalized()
}

// Euler angles in radians (ZYX: yaw, then pitch, then roll).
type Euler struct {
	Roll  float64
	Pitch float64
	Yaw   float64
}

func (q Quaternion) Euler() Euler {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	sp := 2 * (w*y - x*z)
	if sp > 1 {
		sp = 1
	} else if sp < -1 {
		sp = -1
	}
	return Euler{
		Roll:  math.Atan2(2*(y*z+w*x), 1-2*(x*x+y*y)),
		Pitch: math.Asin(sp),
		Yaw:   math.Atan2(2*(x*y+w*z), 1-2*(y*y+z*z)),
	}
}

// AngleTo is the rotation angle in radians between q and r, in [0, π].
func (q Quaternion) AngleTo(r Quaternion) float64 {
	d := math.Abs(q.W*r.W + q.X*r.X + q.Y*r.Y + q.Z*r.Z)
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func scale3(v [3]float64, k float64) [3]float64 {
	return [3]float64{v[0] * k, v[1] * k, v[2] * k}
}

func add3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func sub3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

// unit3 normalizes v; ok is false when |v| <= minNorm.
func unit3(v [3]float64, minNorm float64) ([3]float64, bool) {
	n := norm3(v)
	if !(n > minNorm) || math.IsInf(n, 0) {
		return [3]float64{}, false
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}, true
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func wrap360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
