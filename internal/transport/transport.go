package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"

	"cansat-groundstation/internal/replay"
)

// Port is the byte stream the ingestion loop reads from.
//
// Read blocks for at most the configured read timeout. (0, nil) means no
// bytes arrived in that window; any error means the link is gone and the
// port must be closed and reopened.
type Port interface {
	Read(p []byte) (int, error)
	Close() error
}

type Driver string

const (
	DriverSerial  Driver = "serial"
	DriverTermios Driver = "termios"
	DriverReplay  Driver = "replay"
	// DriverTCP reads from a host:port serial bridge.
	DriverTCP Driver = "tcp"
)

// DeviceAuto asks Open to pick the first USB serial adapter it finds.
const DeviceAuto = "auto"

const (
	DefaultBaud        = 9600
	DefaultReadTimeout = 100 * time.Millisecond
	MaxReadTimeout     = 5 * time.Second
)

var standardBauds = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

var ErrNoDevice = errors.New("transport: no serial device found")

type Config struct {
	Driver      Driver
	Device      string
	Baud        int
	ReadTimeout time.Duration

	ReplayPath  string
	ReplaySpeed float64
	ReplayLoop  bool
}

// ConfigError reports a transport configuration that can never work.
// Retrying it is pointless.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("transport: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverSerial
	}
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.Driver == DriverReplay && c.ReplaySpeed == 0 {
		c.ReplaySpeed = 1
	}
	return c
}

// Validate checks c after defaults are applied. It returns a *ConfigError.
func (c Config) Validate() error {
	c = c.WithDefaults()
	if c.ReadTimeout < 0 || c.ReadTimeout > MaxReadTimeout {
		return &ConfigError{Field: "read_timeout", Value: c.ReadTimeout.String(), Reason: "must be in (0, 5s]"}
	}
	switch c.Driver {
	case DriverSerial, DriverTermios:
		if c.Driver == DriverTermios && !termiosSupported {
			return &ConfigError{Field: "driver", Value: string(c.Driver), Reason: "termios driver is linux only; use serial"}
		}
		if strings.TrimSpace(c.Device) == "" {
			return &ConfigError{Field: "device", Value: c.Device, Reason: "is required (or \"auto\")"}
		}
		if !isStandardBaud(c.Baud) {
			return &ConfigError{Field: "baud", Value: fmt.Sprint(c.Baud), Reason: "unsupported rate"}
		}
	case DriverTCP:
		if _, _, err := net.SplitHostPort(c.Device); err != nil {
			return &ConfigError{Field: "device", Value: c.Device, Reason: "must be host:port for the tcp driver"}
		}
	case DriverReplay:
		if strings.TrimSpace(c.ReplayPath) == "" {
			return &ConfigError{Field: "replay_path", Value: c.ReplayPath, Reason: "is required for the replay driver"}
		}
		if c.ReplaySpeed < 0 {
			return &ConfigError{Field: "replay_speed", Value: fmt.Sprint(c.ReplaySpeed), Reason: "must be >= 0"}
		}
	default:
		return &ConfigError{Field: "driver", Value: string(c.Driver), Reason: "must be serial, termios, tcp or replay"}
	}
	return nil
}

// String is used in log lines.
func (c Config) String() string {
	c = c.WithDefaults()
	switch c.Driver {
	case DriverReplay:
		return fmt.Sprintf("driver=replay path=%s speed=%g loop=%t", c.ReplayPath, c.ReplaySpeed, c.ReplayLoop)
	case DriverTCP:
		return fmt.Sprintf("driver=tcp addr=%s", c.Device)
	}
	return fmt.Sprintf("driver=%s device=%s baud=%d", c.Driver, c.Device, c.Baud)
}

func isStandardBaud(b int) bool {
	for _, s := range standardBauds {
		if s == b {
			return true
		}
	}
	return false
}

// Open validates cfg and opens the port. Validation failures are returned as
// *ConfigError; anything else is an I/O failure worth retrying.
func Open(cfg Config) (Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	if (cfg.Driver == DriverSerial || cfg.Driver == DriverTermios) && cfg.Device == DeviceAuto {
		dev, err := AutoDetect()
		if err != nil {
			return nil, err
		}
		cfg.Device = dev
	}

	switch cfg.Driver {
	case DriverTermios:
		return openTermios(cfg.Device, cfg.Baud, cfg.ReadTimeout)
	case DriverTCP:
		return openTCP(cfg.Device, cfg.ReadTimeout)
	case DriverReplay:
		return replay.OpenPort(cfg.ReplayPath, replay.PortOptions{
			Speed:       cfg.ReplaySpeed,
			Loop:        cfg.ReplayLoop,
			ReadTimeout: cfg.ReadTimeout,
		})
	default:
		return openSerial(cfg.Device, cfg.Baud, cfg.ReadTimeout)
	}
}

// Same order the Arduino and most USB-UART adapters enumerate in.
var autoDetectCandidates = func() []string {
	var out []string
	for i := 0; i < 10; i++ {
		out = append(out, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		out = append(out, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	return out
}

var listPortsFn = serial.GetPortsList

// AutoDetect returns the first ttyACM/ttyUSB device present, falling back to
// whatever the OS port enumeration reports first (COM ports on Windows).
func AutoDetect() (string, error) {
	for _, p := range autoDetectCandidates() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	ports, err := listPortsFn()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	if len(ports) == 0 {
		return "", ErrNoDevice
	}
	return ports[0], nil
}
