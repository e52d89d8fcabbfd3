package transport

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestOpen_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	p, err := Open(Config{Driver: DriverTCP, Device: ln.Addr().String(), ReadTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()
	srv := <-accepted

	buf := make([]byte, 64)
	n, err := p.Read(buf)
	if n != 0 || err != nil {
		t.Fatalf("quiet read n=%d err=%v want 0,nil", n, err)
	}

	if _, err := srv.Write([]byte("57,214\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for len(got) < 7 && time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "57,214\n" {
		t.Fatalf("got %q", got)
	}

	_ = srv.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err = p.Read(buf); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatalf("expected error after peer closed")
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		t.Fatalf("peer close reported as config error: %v", err)
	}
}

func TestOpen_TCPRefusedIsNotConfigError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = Open(Config{Driver: DriverTCP, Device: addr})
	if err == nil {
		t.Fatalf("expected dial error")
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		t.Fatalf("refused dial reported as config error: %v", err)
	}
}
