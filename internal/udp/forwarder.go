// Package udp forwards decoded telemetry as JSON datagrams, one record per
// datagram, for plotting tools on the field network.
package udp

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/pipeline"
	"cansat-groundstation/internal/telemetry"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Datagram is the JSON body of each packet. Attitude rides along with the
// record it was fused from.
type Datagram struct {
	Type     string              `json:"type"`
	Record   *telemetry.Record   `json:"record,omitempty"`
	Attitude *ahrs.Estimate      `json:"attitude,omitempty"`
	Link     *pipeline.LinkEvent `json:"link,omitempty"`
}

// Forwarder is a pipeline.Subscriber. Send errors (typically ICMP port
// unreachable while nobody listens) are counted, not fatal.
type Forwarder struct {
	dest string
	conn udpConn

	pending *telemetry.Record

	sent   atomic.Uint64
	failed atomic.Uint64
}

var _ pipeline.Subscriber = (*Forwarder)(nil)

func NewForwarder(dest string) (*Forwarder, error) {
	return newForwarder(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newForwarder(dest string, resolve resolveFunc, dial dialFunc) (*Forwarder, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Forwarder{dest: dest, conn: conn}, nil
}

// OnRecord holds the record until its attitude arrives so both go out in
// one datagram.
func (f *Forwarder) OnRecord(r telemetry.Record) {
	if f.pending != nil {
		f.send(Datagram{Type: "record", Record: f.pending})
	}
	f.pending = &r
}

func (f *Forwarder) OnAttitude(e ahrs.Estimate) {
	if f.pending != nil && f.pending.Seq == e.Seq {
		rec := f.pending
		f.pending = nil
		f.send(Datagram{Type: "record", Record: rec, Attitude: &e})
		return
	}
	f.send(Datagram{Type: "attitude", Attitude: &e})
}

func (f *Forwarder) OnLink(ev pipeline.LinkEvent) {
	if f.pending != nil {
		f.send(Datagram{Type: "record", Record: f.pending})
		f.pending = nil
	}
	f.send(Datagram{Type: "link", Link: &ev})
}

func (f *Forwarder) Sent() uint64   { return f.sent.Load() }
func (f *Forwarder) Failed() uint64 { return f.failed.Load() }

func (f *Forwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

func (f *Forwarder) send(d Datagram) {
	b, err := json.Marshal(d)
	if err != nil {
		log.Printf("udp: marshal failed: %v", err)
		return
	}
	if _, err := f.conn.Write(b); err != nil {
		n := f.failed.Add(1)
		if n == 1 || n%100 == 0 {
			log.Printf("udp: send to %s failed (total=%d): %v", f.dest, n, err)
		}
		return
	}
	f.sent.Add(1)
}
