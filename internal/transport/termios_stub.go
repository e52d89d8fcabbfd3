//go:build !linux

package transport

import "time"

const termiosSupported = false

func openTermios(path string, baud int, timeout time.Duration) (Port, error) {
	return nil, &ConfigError{Field: "driver", Value: string(DriverTermios), Reason: "termios driver is linux only; use serial"}
}
