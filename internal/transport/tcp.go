package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// DefaultDialTimeout bounds the TCP connect for the tcp driver.
const DefaultDialTimeout = 2 * time.Second

// tcpPort reads the radio stream from a serial-to-network bridge such as
// ser2net. Read timeouts surface as (0, nil) like a quiet serial line.
type tcpPort struct {
	conn    net.Conn
	addr    string
	timeout time.Duration
}

func openTCP(addr string, timeout time.Duration) (Port, error) {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpPort{conn: conn, addr: addr, timeout: timeout}, nil
}

func (t *tcpPort) Read(p []byte) (int, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(t.timeout))
	n, err := t.conn.Read(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		return n, fmt.Errorf("read %s: %w", t.addr, err)
	}
	return n, nil
}

func (t *tcpPort) Close() error {
	return t.conn.Close()
}
