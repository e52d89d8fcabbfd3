package gps

import (
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

type nmeaState struct {
	device string

	latDeg float64
	lonDeg float64
	posOK  bool

	altM  float64
	altOK bool

	fixQuality   int
	fixQualityOK bool
	satellites   int
	satsOK       bool
	hdop         float64
	hdopOK       bool

	lastFix time.Time
	valid   bool
}

// apply folds one sentence into the state and reports whether the fix moved.
func (s *nmeaState) apply(nowUTC time.Time, sent nmea.Sentence) bool {
	switch m := sent.(type) {
	case nmea.RMC:
		return s.applyRMC(nowUTC, m)
	case nmea.GGA:
		return s.applyGGA(nowUTC, m)
	default:
		return false
	}
}

func (s *nmeaState) applyRMC(nowUTC time.Time, m nmea.RMC) bool {
	// Void fixes leave the last good position alone.
	if m.Validity != nmea.ValidRMC {
		return false
	}
	if !validLatLon(m.Latitude, m.Longitude) {
		return false
	}
	s.latDeg, s.lonDeg, s.posOK = m.Latitude, m.Longitude, true
	s.lastFix = nowUTC
	s.valid = true
	return true
}

func (s *nmeaState) applyGGA(nowUTC time.Time, m nmea.GGA) bool {
	if m.FixQuality == "" || m.FixQuality == nmea.Invalid {
		return false
	}
	if q, err := strconv.Atoi(strings.TrimSpace(m.FixQuality)); err == nil {
		s.fixQuality, s.fixQualityOK = q, true
	}
	s.satellites, s.satsOK = int(m.NumSatellites), true
	if m.HDOP > 0 {
		s.hdop, s.hdopOK = m.HDOP, true
	}
	s.altM, s.altOK = m.Altitude, true
	if !validLatLon(m.Latitude, m.Longitude) {
		return s.posOK
	}
	s.latDeg, s.lonDeg, s.posOK = m.Latitude, m.Longitude, true
	s.lastFix = nowUTC
	s.valid = true
	return true
}

func (s *nmeaState) snapshot() Snapshot {
	out := Snapshot{
		Enabled: true,
		Valid:   s.valid,
		Source:  SourceReceiver,
		Device:  s.device,
		LatDeg:  s.latDeg,
		LonDeg:  s.lonDeg,
	}
	if s.altOK {
		v := s.altM
		out.AltM = &v
	}
	if s.fixQualityOK {
		v := s.fixQuality
		out.FixQuality = &v
	}
	if s.satsOK {
		v := s.satellites
		out.Satellites = &v
	}
	if s.hdopOK {
		v := s.hdop
		out.HDOP = &v
	}
	if !s.lastFix.IsZero() {
		out.LastFix = s.lastFix.UTC()
	}
	return out
}

func validLatLon(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
