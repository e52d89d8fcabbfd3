package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

type serialPort struct {
	port   serial.Port
	device string
}

func openSerial(device string, baud int, timeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout %s: %w", device, err)
	}
	// Drop whatever the device sent before we were listening.
	_ = p.ResetInputBuffer()
	return &serialPort{port: p, device: device}, nil
}

func (s *serialPort) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", s.device, err)
	}
	return n, nil
}

func (s *serialPort) Close() error {
	return s.port.Close()
}
