package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Driver != "serial" || cfg.Serial.Device != "auto" || cfg.Serial.Baud != 9600 {
		t.Fatalf("serial=%+v", cfg.Serial)
	}
	if cfg.Serial.ReadTimeout != 100*time.Millisecond {
		t.Fatalf("read_timeout=%s want 100ms", cfg.Serial.ReadTimeout)
	}
	if cfg.Frame.MaxLen != 512 || cfg.Frame.GyroUnit != "deg" {
		t.Fatalf("frame=%+v", cfg.Frame)
	}
	if cfg.Link.BackoffMin != 100*time.Millisecond || cfg.Link.BackoffMax != 5*time.Second {
		t.Fatalf("link=%+v", cfg.Link)
	}
	if cfg.AHRS.Kp != 1 || cfg.AHRS.MaxDT != 250*time.Millisecond {
		t.Fatalf("ahrs=%+v", cfg.AHRS)
	}
	if *cfg.AHRS.Ki != 0.02 || *cfg.AHRS.KpMag != 0.5 {
		t.Fatalf("ki=%v kp_mag=%v", *cfg.AHRS.Ki, *cfg.AHRS.KpMag)
	}
	// Disabled sections still get defaults.
	if cfg.Web.Listen != ":8080" || cfg.MQTT.TopicPrefix != "cansat" || cfg.Storage.BatchSize != 50 {
		t.Fatalf("expected section defaults applied")
	}
	if cfg.MQTT.Attitude == nil || !*cfg.MQTT.Attitude {
		t.Fatalf("mqtt.attitude should default to true")
	}
	if cfg.StatusLED.Chip != "gpiochip0" {
		t.Fatalf("status_led.chip=%q", cfg.StatusLED.Chip)
	}
}

func TestLoad_SerialSettings(t *testing.T) {
	path := writeTempConfig(t, "serial:\n  device: COM5\n  baud: 115200\n  read_timeout: 250ms\nframe:\n  gyro_units: rad/s\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Device != "COM5" || cfg.Serial.Baud != 115200 || cfg.Serial.ReadTimeout != 250*time.Millisecond {
		t.Fatalf("serial=%+v", cfg.Serial)
	}
	if cfg.Frame.GyroUnit != "rad" {
		t.Fatalf("gyro_units=%q want rad", cfg.Frame.GyroUnit)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"UnknownDriver", "serial:\n  driver: bluetooth\n", "serial.driver must be serial, termios, tcp or replay"},
		{"TCPRequiresDevice", "serial:\n  driver: tcp\n", "serial.device must be host:port when serial.driver is tcp"},
		{"ReplayRequiresPath", "serial:\n  driver: replay\n", "serial.replay_path is required when serial.driver is replay"},
		{"ReplayNegativeSpeed", "serial:\n  driver: replay\n  replay_path: ./x.log\n  replay_speed: -1\n", "serial.replay_speed must be > 0"},
		{"NegativeReadTimeout", "serial:\n  read_timeout: -1s\n", "serial.read_timeout must be > 0"},
		{"TinyFrame", "frame:\n  max_len: 10\n", "frame.max_len must be >= 64"},
		{"GyroUnits", "frame:\n  gyro_units: rpm\n", "frame.gyro_units must be deg or rad"},
		{"NegativeGain", "ahrs:\n  ki: -0.1\n", "ahrs gains must be >= 0"},
		{"DTOrder", "ahrs:\n  min_dt: 300ms\n", "ahrs.max_dt must be >= ahrs.min_dt > 0"},
		{"BackoffOrder", "link:\n  backoff_min: 10s\n", "link.backoff_max must be >= link.backoff_min > 0"},
		{"CaptureRequiresPath", "capture:\n  enable: true\n", "capture.path is required when capture.enable is true"},
		{"CaptureOverReplay", "serial:\n  driver: replay\n  replay_path: ./a.log\ncapture:\n  enable: true\n  path: ./a.log\n", "capture.path must differ from serial.replay_path"},
		{"MQTTRequiresBroker", "mqtt:\n  enable: true\n", "mqtt.broker is required when mqtt.enable is true"},
		{"MQTTQoS", "mqtt:\n  enable: true\n  broker: tcp://localhost:1883\n  qos: 3\n", "mqtt.qos must be 0, 1 or 2"},
		{"MQTTWildcard", "mqtt:\n  enable: true\n  broker: tcp://localhost:1883\n  topic_prefix: cansat/#\n", "mqtt.topic_prefix must not contain wildcards"},
		{"UDPRequiresDest", "udp:\n  enable: true\n", "udp.dest is required when udp.enable is true"},
		{"GPSHalfStatic", "gps:\n  static_lat_deg: 45\n", "gps.static_lat_deg and gps.static_lon_deg must be set together"},
		{"GPSStaticRange", "gps:\n  static_lat_deg: 95\n  static_lon_deg: 21\n", "gps static position out of range"},
		{"GPSAutoClash", "gps:\n  enable: true\n", "gps.device must be set when serial.device is auto"},
		{"GPSSameDevice", "serial:\n  device: /dev/ttyUSB0\ngps:\n  enable: true\n  device: /dev/ttyUSB0\n", "gps.device must differ from serial.device"},
		{"LEDLine", "status_led:\n  enable: true\n  line: -1\n", "status_led.line must be >= 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.yaml))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_ExplicitZeroGainsKept(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "ahrs:\n  ki: 0\n  kp_mag: 0\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if *cfg.AHRS.Ki != 0 || *cfg.AHRS.KpMag != 0 {
		t.Fatalf("ki=%v kp_mag=%v want 0", *cfg.AHRS.Ki, *cfg.AHRS.KpMag)
	}
}

func TestLoad_ReplaySpeedDefaultsToOne(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "serial:\n  driver: replay\n  replay_path: ./x.log\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.ReplaySpeed != 1 {
		t.Fatalf("replay_speed=%v want 1", cfg.Serial.ReplaySpeed)
	}
}

func TestLoad_TopicPrefixTrimmed(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "mqtt:\n  enable: true\n  broker: tcp://localhost:1883\n  topic_prefix: team7/cansat/\n  attitude: false\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MQTT.TopicPrefix != "team7/cansat" {
		t.Fatalf("topic_prefix=%q", cfg.MQTT.TopicPrefix)
	}
	if *cfg.MQTT.Attitude {
		t.Fatalf("mqtt.attitude=true want false")
	}
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "serial:\n  device: COM5\n  port: COM5\n")
	_, err := Load(path)
	requireErrEq(t, err, "config contains unknown fields: field port not found in type config.SerialConfig")
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}
