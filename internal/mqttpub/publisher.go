// Package mqttpub publishes pipeline output to an MQTT broker.
//
// Topics, under a configurable prefix:
//
//	<prefix>/telemetry  one JSON record per decoded frame
//	<prefix>/attitude   one JSON attitude estimate per frame (optional)
//	<prefix>/link       link state changes, retained
//	<prefix>/status     "online" / "offline", retained; "offline" is also the will
package mqttpub

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/pipeline"
	"cansat-groundstation/internal/telemetry"
)

const (
	TopicTelemetry = "telemetry"
	TopicAttitude  = "attitude"
	TopicLink      = "link"
	TopicStatus    = "status"

	defaultConnectTimeout = 10 * time.Second
)

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	TopicPrefix    string
	QoS            byte
	PublishTimeout time.Duration
	// Attitude enables <prefix>/attitude.
	Attitude bool
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher is a pipeline.Subscriber. Each publish waits at most
// PublishTimeout for the broker; a publish that does not complete in time is
// counted as failed and the next message is sent anyway.
type Publisher struct {
	cfg Config
	c   client

	published atomic.Uint64
	failed    atomic.Uint64
}

var _ pipeline.Subscriber = (*Publisher)(nil)

// Connect dials the broker and returns a ready Publisher. The client
// reconnects on its own after the first successful connection.
func Connect(cfg Config) (*Publisher, error) {
	cfg = cfg.withDefaults()
	statusTopic := cfg.topic(TopicStatus)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5*time.Second).
		SetMaxReconnectInterval(30*time.Second).
		SetWill(statusTopic, "offline", cfg.QoS, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("mqtt connected broker=%s", cfg.Broker)
		c.Publish(statusTopic, cfg.QoS, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt connection lost broker=%s err=%v", cfg.Broker, err)
	})

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(defaultConnectTimeout) {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timed out after %s", cfg.Broker, defaultConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return newPublisher(cfg, c), nil
}

func newPublisher(cfg Config, c client) *Publisher {
	return &Publisher{cfg: cfg.withDefaults(), c: c}
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "cansat-groundstation"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "cansat"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

func (c Config) topic(name string) string { return c.TopicPrefix + "/" + name }

func (p *Publisher) OnRecord(r telemetry.Record) {
	p.publishJSON(TopicTelemetry, false, r)
}

func (p *Publisher) OnAttitude(e ahrs.Estimate) {
	if !p.cfg.Attitude {
		return
	}
	p.publishJSON(TopicAttitude, false, e)
}

func (p *Publisher) OnLink(ev pipeline.LinkEvent) {
	p.publishJSON(TopicLink, true, ev)
}

// Published and Failed count publish attempts by outcome.
func (p *Publisher) Published() uint64 { return p.published.Load() }
func (p *Publisher) Failed() uint64    { return p.failed.Load() }

// Close marks the station offline and disconnects.
func (p *Publisher) Close() {
	if p == nil || p.c == nil {
		return
	}
	p.publish(TopicStatus, true, []byte("offline"))
	p.c.Disconnect(250)
}

func (p *Publisher) publishJSON(name string, retained bool, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("mqtt marshal %s failed: %v", name, err)
		return
	}
	p.publish(name, retained, b)
}

func (p *Publisher) publish(name string, retained bool, payload []byte) {
	topic := p.cfg.topic(name)
	tok := p.c.Publish(topic, p.cfg.QoS, retained, payload)
	var err error
	if !tok.WaitTimeout(p.cfg.PublishTimeout) {
		err = fmt.Errorf("timed out after %s", p.cfg.PublishTimeout)
	} else {
		err = tok.Error()
	}
	if err == nil {
		p.published.Add(1)
		return
	}
	n := p.failed.Add(1)
	if n == 1 || n%100 == 0 {
		log.Printf("mqtt publish %s failed (total=%d): %v", topic, n, err)
	}
}
