package gps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cansat-groundstation/internal/transport"
)

type fakePort struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("closed")
	}
	if len(p.chunks) == 0 {
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		p.mu.Lock()
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	p.chunks = p.chunks[1:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func f64(v float64) *float64 { return &v }

func testConfig() Config {
	return Config{
		Enable:    true,
		Transport: transport.Config{Driver: transport.DriverSerial, Device: "/dev/ttyGPS0", Baud: 9600},
	}
}

func TestService_ReadsSplitSentences(t *testing.T) {
	rmc := nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W") + "\r\n"
	port := &fakePort{chunks: [][]byte{
		[]byte("garbage\r\n" + rmc[:20]),
		[]byte(rmc[20:]),
	}}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s := New(testConfig())
	s.openFn = func(transport.Config) (transport.Port, error) { return port, nil }
	s.nowFn = func() time.Time { return now }

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Snapshot().Valid {
		if time.Now().After(deadline) {
			t.Fatalf("no fix; snap=%+v", s.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
	lat, lon, ok := s.Position()
	if !ok || lat < 48 || lat > 48.2 || lon < 11.5 || lon > 11.6 {
		t.Fatalf("position=%v,%v,%v", lat, lon, ok)
	}
	if snap := s.Snapshot(); snap.Source != SourceReceiver || snap.Device != "/dev/ttyGPS0" {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestService_StaticFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Enable = false
	cfg.StaticLatDeg = f64(44.5)
	cfg.StaticLonDeg = f64(11.3)
	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := s.Snapshot()
	if !snap.Valid || snap.Source != SourceStatic || snap.LatDeg != 44.5 || snap.LonDeg != 11.3 {
		t.Fatalf("snap=%+v", snap)
	}
	if _, _, ok := s.Position(); !ok {
		t.Fatalf("expected static position")
	}
}

func TestService_StaleFixFallsBackToStatic(t *testing.T) {
	cfg := testConfig()
	cfg.StaticLatDeg = f64(1)
	cfg.StaticLonDeg = f64(2)
	s := New(cfg)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return now }
	s.last.Store(Snapshot{Enabled: true, Valid: true, Source: SourceReceiver, LatDeg: 10, LonDeg: 20, LastFix: now.Add(-time.Minute)})

	snap := s.Snapshot()
	if snap.Source != SourceStatic || snap.LatDeg != 1 {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestService_StaleFixWithoutStatic(t *testing.T) {
	s := New(testConfig())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return now }
	s.last.Store(Snapshot{Enabled: true, Valid: true, Source: SourceReceiver, LatDeg: 10, LonDeg: 20, LastFix: now.Add(-time.Minute)})

	snap := s.Snapshot()
	if !snap.FixStale || snap.FixAgeSec != 60 {
		t.Fatalf("snap=%+v", snap)
	}
	if _, _, ok := s.Position(); ok {
		t.Fatalf("stale fix must not be a position")
	}
}

func TestService_OpenFailureRecorded(t *testing.T) {
	s := New(testConfig())
	s.openFn = func(transport.Config) (transport.Port, error) { return nil, errors.New("no such device") }
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().LastError == "" {
		if time.Now().After(deadline) {
			t.Fatalf("expected last_error")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.Snapshot().Valid {
		t.Fatalf("expected invalid")
	}
}

func TestService_InvalidTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Baud = 1234
	s := New(cfg)
	var ce *transport.ConfigError
	if err := s.Start(context.Background()); !errors.As(err, &ce) {
		t.Fatalf("err=%v want ConfigError", err)
	}
}
