package gps

import "math"

// EarthRadiusM is the mean Earth radius used for great-circle distances.
const EarthRadiusM = 6371008.8

// RangeBearing returns the great-circle distance in metres and the initial
// bearing in degrees [0,360) from (lat1,lon1) to (lat2,lon2).
func RangeBearing(lat1, lon1, lat2, lon2 float64) (distM, bearingDeg float64) {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dφ := φ2 - φ1
	dλ := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dφ/2)*math.Sin(dφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	if a > 1 {
		a = 1
	}
	distM = 2 * EarthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	y := math.Sin(dλ) * math.Cos(φ2)
	x := math.Cos(φ1)*math.Sin(φ2) - math.Sin(φ1)*math.Cos(φ2)*math.Cos(dλ)
	bearingDeg = math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
	if distM == 0 {
		bearingDeg = 0
	}
	return distM, bearingDeg
}
