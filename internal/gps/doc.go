// Package gps reads an optional NMEA receiver attached to the ground station.
//
// Only RMC and GGA are used: enough for the station's own position, which
// /api/status combines with the CanSat's reported position to give range and
// bearing. A fixed position from the config stands in when no receiver is
// attached.
package gps
