package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Frame     FrameConfig     `yaml:"frame"`
	AHRS      AHRSConfig      `yaml:"ahrs"`
	Link      LinkConfig      `yaml:"link"`
	Capture   CaptureConfig   `yaml:"capture"`
	Web       WebConfig       `yaml:"web"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Storage   StorageConfig   `yaml:"storage"`
	UDP       UDPConfig       `yaml:"udp"`
	Console   ConsoleConfig   `yaml:"console"`
	GPS       GPSConfig       `yaml:"gps"`
	StatusLED StatusLEDConfig `yaml:"status_led"`
}

type SerialConfig struct {
	// Driver is serial, termios, tcp or replay.
	Driver      string        `yaml:"driver"`
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`

	ReplayPath  string  `yaml:"replay_path"`
	ReplaySpeed float64 `yaml:"replay_speed"`
	ReplayLoop  bool    `yaml:"replay_loop"`
}

type FrameConfig struct {
	MaxLen   int    `yaml:"max_len"`
	GyroUnit string `yaml:"gyro_units"`
}

type AHRSConfig struct {
	Kp float64 `yaml:"kp"`
	// Ki and KpMag may be set to 0 to disable bias learning or the
	// magnetometer, so unset is nil.
	Ki    *float64      `yaml:"ki"`
	KpMag *float64      `yaml:"kp_mag"`
	MinDT time.Duration `yaml:"min_dt"`
	MaxDT time.Duration `yaml:"max_dt"`
}

type LinkConfig struct {
	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`
}

type CaptureConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type WebConfig struct {
	Enable   bool   `yaml:"enable"`
	Listen   string `yaml:"listen"`
	LogLines int    `yaml:"log_lines"`
}

type MQTTConfig struct {
	Enable         bool          `yaml:"enable"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            int           `yaml:"qos"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Attitude       *bool         `yaml:"attitude"`
}

type StorageConfig struct {
	Enable        bool          `yaml:"enable"`
	Path          string        `yaml:"path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type ConsoleConfig struct {
	Enable  bool `yaml:"enable"`
	NoColor bool `yaml:"no_color"`
	// Every prints one record line per N records; link events always print.
	Every int `yaml:"every"`
}

type GPSConfig struct {
	Enable bool   `yaml:"enable"`
	Driver string `yaml:"driver"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`

	// Fixed ground-station position, used when no receiver is attached.
	StaticLatDeg *float64 `yaml:"static_lat_deg"`
	StaticLonDeg *float64 `yaml:"static_lon_deg"`
}

type StatusLEDConfig struct {
	Enable    bool   `yaml:"enable"`
	Chip      string `yaml:"chip"`
	Line      int    `yaml:"line"`
	ActiveLow bool   `yaml:"active_low"`
}

// Load reads, strictly decodes and validates a YAML config file.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := decodeStrict(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var linePrefix = regexp.MustCompile(`^line \d+: `)

func decodeStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if errors.Is(err, io.EOF) {
		return nil
	}
	var te *yaml.TypeError
	if errors.As(err, &te) {
		unknown := make([]string, 0, len(te.Errors))
		for _, e := range te.Errors {
			e = linePrefix.ReplaceAllString(e, "")
			if strings.HasPrefix(e, "field ") && strings.Contains(e, " not found in type ") {
				unknown = append(unknown, e)
			}
		}
		if len(unknown) == len(te.Errors) {
			return fmt.Errorf("config contains unknown fields: %s", strings.Join(unknown, "; "))
		}
	}
	return err
}

// DefaultAndValidate fills defaults for every section (enabled or not) and
// rejects combinations that cannot work.
func DefaultAndValidate(cfg *Config) error {
	s := &cfg.Serial
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = "serial"
	}
	switch s.Driver {
	case "serial", "termios":
		if strings.TrimSpace(s.Device) == "" {
			s.Device = "auto"
		}
	case "tcp":
		if strings.TrimSpace(s.Device) == "" {
			return fmt.Errorf("serial.device must be host:port when serial.driver is tcp")
		}
	case "replay":
		if strings.TrimSpace(s.ReplayPath) == "" {
			return fmt.Errorf("serial.replay_path is required when serial.driver is replay")
		}
		if s.ReplaySpeed == 0 {
			s.ReplaySpeed = 1
		}
		if s.ReplaySpeed < 0 {
			return fmt.Errorf("serial.replay_speed must be > 0")
		}
	default:
		return fmt.Errorf("serial.driver must be serial, termios, tcp or replay")
	}
	if s.Baud == 0 {
		s.Baud = 9600
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 100 * time.Millisecond
	}
	if s.ReadTimeout < 0 {
		return fmt.Errorf("serial.read_timeout must be > 0")
	}

	if cfg.Frame.MaxLen == 0 {
		cfg.Frame.MaxLen = 512
	}
	if cfg.Frame.MaxLen < 64 {
		return fmt.Errorf("frame.max_len must be >= 64")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Frame.GyroUnit)) {
	case "", "deg", "deg/s", "dps":
		cfg.Frame.GyroUnit = "deg"
	case "rad", "rad/s", "rps":
		cfg.Frame.GyroUnit = "rad"
	default:
		return fmt.Errorf("frame.gyro_units must be deg or rad")
	}

	a := &cfg.AHRS
	if a.Kp == 0 {
		a.Kp = 1.0
	}
	if a.Ki == nil {
		v := 0.02
		a.Ki = &v
	}
	if a.KpMag == nil {
		v := 0.5
		a.KpMag = &v
	}
	if a.Kp < 0 || *a.Ki < 0 || *a.KpMag < 0 {
		return fmt.Errorf("ahrs gains must be >= 0")
	}
	if a.MinDT == 0 {
		a.MinDT = time.Millisecond
	}
	if a.MaxDT == 0 {
		a.MaxDT = 250 * time.Millisecond
	}
	if a.MinDT < 0 || a.MaxDT < a.MinDT {
		return fmt.Errorf("ahrs.max_dt must be >= ahrs.min_dt > 0")
	}

	if cfg.Link.BackoffMin == 0 {
		cfg.Link.BackoffMin = 100 * time.Millisecond
	}
	if cfg.Link.BackoffMax == 0 {
		cfg.Link.BackoffMax = 5 * time.Second
	}
	if cfg.Link.BackoffMin < 0 || cfg.Link.BackoffMax < cfg.Link.BackoffMin {
		return fmt.Errorf("link.backoff_max must be >= link.backoff_min > 0")
	}

	if cfg.Capture.Enable {
		if cfg.Capture.Path == "" {
			return fmt.Errorf("capture.path is required when capture.enable is true")
		}
		if s.Driver == "replay" && cfg.Capture.Path == s.ReplayPath {
			return fmt.Errorf("capture.path must differ from serial.replay_path")
		}
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.LogLines <= 0 {
		cfg.Web.LogLines = 500
	}

	m := &cfg.MQTT
	if m.ClientID == "" {
		m.ClientID = "cansat-groundstation"
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "cansat"
	}
	m.TopicPrefix = strings.TrimRight(m.TopicPrefix, "/")
	if m.PublishTimeout <= 0 {
		m.PublishTimeout = 2 * time.Second
	}
	if m.Attitude == nil {
		v := true
		m.Attitude = &v
	}
	if m.Enable {
		if strings.TrimSpace(m.Broker) == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if m.QoS < 0 || m.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if strings.ContainsAny(m.TopicPrefix, "#+") {
			return fmt.Errorf("mqtt.topic_prefix must not contain wildcards")
		}
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./groundstation.db"
	}
	if cfg.Storage.BatchSize <= 0 {
		cfg.Storage.BatchSize = 50
	}
	if cfg.Storage.FlushInterval <= 0 {
		cfg.Storage.FlushInterval = 2 * time.Second
	}

	if cfg.UDP.Enable && strings.TrimSpace(cfg.UDP.Dest) == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	if cfg.Console.Every <= 0 {
		cfg.Console.Every = 1
	}

	g := &cfg.GPS
	if g.Driver == "" {
		g.Driver = "serial"
	}
	if g.Device == "" {
		g.Device = "auto"
	}
	if g.Baud == 0 {
		g.Baud = 9600
	}
	if (g.StaticLatDeg == nil) != (g.StaticLonDeg == nil) {
		return fmt.Errorf("gps.static_lat_deg and gps.static_lon_deg must be set together")
	}
	if g.StaticLatDeg != nil {
		if *g.StaticLatDeg < -90 || *g.StaticLatDeg > 90 || *g.StaticLonDeg < -180 || *g.StaticLonDeg > 180 {
			return fmt.Errorf("gps static position out of range")
		}
	}
	if g.Enable && g.Driver == "replay" {
		return fmt.Errorf("gps.driver must be serial, termios or tcp")
	}
	if g.Enable && s.Driver != "replay" && g.Device == s.Device {
		if g.Device == "auto" {
			return fmt.Errorf("gps.device must be set when serial.device is auto")
		}
		return fmt.Errorf("gps.device must differ from serial.device")
	}

	if cfg.StatusLED.Chip == "" {
		cfg.StatusLED.Chip = "gpiochip0"
	}
	if cfg.StatusLED.Enable && cfg.StatusLED.Line < 0 {
		return fmt.Errorf("status_led.line must be >= 0")
	}

	return nil
}
