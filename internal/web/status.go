package web

import (
	"time"

	"cansat-groundstation/internal/gps"
	"cansat-groundstation/internal/pipeline"
)

// PipelineSource is what the web layer needs from the ingestion pipeline.
type PipelineSource interface {
	Latest() pipeline.Snapshot
}

// GroundSource reports the ground station's own position.
type GroundSource interface {
	Snapshot() gps.Snapshot
}

type Status struct {
	start  time.Time
	pipe   PipelineSource
	ground GroundSource
	hub    *Hub
}

// NewStatus builds the /api/status view. ground and hub may be nil.
func NewStatus(pipe PipelineSource, ground GroundSource, hub *Hub) *Status {
	return &Status{start: time.Now().UTC(), pipe: pipe, ground: ground, hub: hub}
}

// RangeSnapshot is the CanSat position relative to the ground station.
type RangeSnapshot struct {
	DistanceM  float64 `json:"distance_m"`
	BearingDeg float64 `json:"bearing_deg"`
	// AltitudeM is the CanSat's reported altitude, not a height above the station.
	AltitudeM float64 `json:"altitude_m"`
}

type StatusSnapshot struct {
	Service   string `json:"service"`
	NowUTC    string `json:"now_utc"`
	UptimeSec int64  `json:"uptime_sec"`

	Running bool               `json:"running"`
	Link    pipeline.LinkEvent `json:"link"`
	Stats   pipeline.Stats     `json:"stats"`

	LastRecordUTC string `json:"last_record_utc,omitempty"`
	LastSeq       uint64 `json:"last_seq,omitempty"`

	WSClients int    `json:"ws_clients"`
	WSDropped uint64 `json:"ws_dropped"`

	Ground *gps.Snapshot  `json:"ground,omitempty"`
	Range  *RangeSnapshot `json:"range,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	snap := StatusSnapshot{
		Service:   "cansat-groundstation",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(s.start).Seconds()),
	}
	if s.hub != nil {
		snap.WSClients = s.hub.Clients()
		snap.WSDropped = s.hub.Dropped()
	}
	if s.pipe == nil {
		return snap
	}

	p := s.pipe.Latest()
	snap.Running = p.Running
	snap.Link = p.Link
	snap.Stats = p.Stats
	if p.HaveRecord {
		snap.LastRecordUTC = p.Record.ReceivedAt.UTC().Format(time.RFC3339Nano)
		snap.LastSeq = p.Record.Seq
	}

	if s.ground == nil {
		return snap
	}
	g := s.ground.Snapshot()
	snap.Ground = &g
	// A 0,0 position means the CanSat has no GPS fix yet.
	if g.Valid && !g.FixStale && p.HaveRecord && (p.Record.LatDeg != 0 || p.Record.LonDeg != 0) {
		d, b := gps.RangeBearing(g.LatDeg, g.LonDeg, p.Record.LatDeg, p.Record.LonDeg)
		snap.Range = &RangeSnapshot{DistanceM: d, BearingDeg: b, AltitudeM: p.Record.AltitudeM}
	}
	return snap
}
