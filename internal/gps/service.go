package gps

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"cansat-groundstation/internal/transport"
)

const (
	SourceReceiver = "receiver"
	SourceStatic   = "static"

	// A receiver fix older than this is reported as stale.
	staleAfter = 5 * time.Second

	maxSentenceLen = 256
)

// Config controls the ground GPS reader.
//
// Transport reuses the telemetry transport drivers; a u-blox USB receiver is
// usually /dev/ttyACM* at 9600 baud. StaticLatDeg/StaticLonDeg, when both set,
// give a fixed station position used whenever the receiver has no fix.
type Config struct {
	Enable    bool
	Transport transport.Config

	StaticLatDeg *float64
	StaticLonDeg *float64
}

type Snapshot struct {
	Enabled  bool   `json:"enabled"`
	Valid    bool   `json:"valid"`
	FixStale bool   `json:"fix_stale"`
	Source   string `json:"source,omitempty"`
	Device   string `json:"device,omitempty"`

	LatDeg     float64  `json:"lat_deg,omitempty"`
	LonDeg     float64  `json:"lon_deg,omitempty"`
	AltM       *float64 `json:"alt_m,omitempty"`
	FixQuality *int     `json:"fix_quality,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`

	LastFix   time.Time `json:"last_fix,omitempty"`
	FixAgeSec float64   `json:"fix_age_sec,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Service struct {
	cfg Config

	// Test seams.
	openFn func(transport.Config) (transport.Port, error)
	nowFn  func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last atomic.Value // Snapshot

	mu sync.Mutex
}

func New(cfg Config) *Service {
	s := &Service{cfg: cfg, openFn: transport.Open, nowFn: time.Now}
	s.last.Store(Snapshot{Enabled: cfg.Enable, Source: SourceReceiver, Device: cfg.Transport.Device})
	return s
}

// Start launches the reader. It is a no-op when the receiver is disabled or
// already running. An unusable transport config is returned immediately; a
// receiver that is not plugged in yet is retried in the background.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gps service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if err := s.cfg.Transport.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	tcfg := s.cfg.Transport.WithDefaults()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx, tcfg)
	}()
	return nil
}

func (s *Service) run(ctx context.Context, cfg transport.Config) {
	log.Printf("gps enabled %s", cfg)
	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second

	var st nmeaState
	st.device = cfg.Device

	for {
		if ctx.Err() != nil {
			return
		}
		port, err := s.openFn(cfg)
		if err != nil {
			s.setError(fmt.Sprintf("gps open failed %s: %v", cfg, err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 250 * time.Millisecond

		err = s.readSentences(ctx, port, &st)
		_ = port.Close()
		if ctx.Err() != nil {
			return
		}
		s.setError(fmt.Sprintf("gps read stopped: %v", err))
	}
}

// readSentences splits the byte stream into lines and feeds each NMEA
// sentence to st. It returns the transport error, or nil when ctx ends.
func (s *Service) readSentences(ctx context.Context, port transport.Port, st *nmeaState) error {
	buf := make([]byte, 512)
	var line []byte
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := port.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				line = append(line, data...)
				if len(line) > maxSentenceLen {
					line = line[:0]
				}
				break
			}
			line = append(line, data[:i]...)
			data = data[i+1:]
			s.handleLine(st, string(line))
			line = line[:0]
		}
		if err != nil {
			return err
		}
	}
}

func (s *Service) handleLine(st *nmeaState, raw string) {
	line := strings.TrimSpace(raw)
	// Some receivers emit non-NMEA chatter; skip it quietly.
	if !strings.HasPrefix(line, "$") {
		return
	}
	sent, err := nmea.Parse(line)
	if err != nil {
		s.setError(err.Error())
		return
	}
	if st.apply(s.nowFn().UTC(), sent) {
		s.last.Store(st.snapshot())
	}
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Snapshot returns the receiver state, or the static position when the
// receiver has no fresh fix.
func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap, _ := s.last.Load().(Snapshot)
	if snap.Valid && !snap.LastFix.IsZero() {
		age := s.nowFn().Sub(snap.LastFix)
		snap.FixAgeSec = age.Seconds()
		snap.FixStale = age > staleAfter
	}
	if (!snap.Valid || snap.FixStale) && s.cfg.StaticLatDeg != nil && s.cfg.StaticLonDeg != nil {
		return Snapshot{
			Enabled:   true,
			Valid:     true,
			Source:    SourceStatic,
			LatDeg:    *s.cfg.StaticLatDeg,
			LonDeg:    *s.cfg.StaticLonDeg,
			LastError: snap.LastError,
		}
	}
	return snap
}

// Position returns the best known station position.
func (s *Service) Position() (latDeg, lonDeg float64, ok bool) {
	snap := s.Snapshot()
	if !snap.Valid || snap.FixStale {
		return 0, 0, false
	}
	return snap.LatDeg, snap.LonDeg, true
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := s.last.Load().(Snapshot)
	// Transient parse issues don't flip validity.
	cur.LastError = msg
	s.last.Store(cur)
}
