package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/config"
	"cansat-groundstation/internal/console"
	"cansat-groundstation/internal/frame"
	"cansat-groundstation/internal/gps"
	"cansat-groundstation/internal/mqttpub"
	"cansat-groundstation/internal/pipeline"
	"cansat-groundstation/internal/replay"
	"cansat-groundstation/internal/statusled"
	"cansat-groundstation/internal/storage"
	"cansat-groundstation/internal/telemetry"
	"cansat-groundstation/internal/transport"
	"cansat-groundstation/internal/udp"
	"cansat-groundstation/internal/web"
)

// runtime owns every service started for one run of the ground station.
// Optional outputs are best-effort: a sink that fails to come up is logged
// and left nil, the link keeps running without it.
type runtime struct {
	cfg config.Config

	pipe *pipeline.Pipeline
	hub  *web.Hub
	gps  *gps.Service

	capture  *replay.Writer
	mqtt     *mqttpub.Publisher
	store    *storage.Store
	recorder *storage.Recorder
	udp      *udp.Forwarder
	led      *statusled.LED
}

func transportConfig(s config.SerialConfig) transport.Config {
	return transport.Config{
		Driver:      transport.Driver(s.Driver),
		Device:      s.Device,
		Baud:        s.Baud,
		ReadTimeout: s.ReadTimeout,
		ReplayPath:  s.ReplayPath,
		ReplaySpeed: s.ReplaySpeed,
		ReplayLoop:  s.ReplayLoop,
	}
}

func gpsConfig(g config.GPSConfig) gps.Config {
	return gps.Config{
		Enable: g.Enable,
		Transport: transport.Config{
			Driver: transport.Driver(g.Driver),
			Device: g.Device,
			Baud:   g.Baud,
		},
		StaticLatDeg: g.StaticLatDeg,
		StaticLonDeg: g.StaticLonDeg,
	}
}

func frameConfig(f config.FrameConfig) (frame.Config, error) {
	unit, err := telemetry.ParseGyroUnit(f.GyroUnit)
	if err != nil {
		return frame.Config{}, fmt.Errorf("frame.gyro_units: %w", err)
	}
	return frame.Config{
		MaxFrameLen: f.MaxLen,
		Parse:       telemetry.ParseOptions{GyroUnit: unit, Limits: telemetry.DefaultLimits()},
	}, nil
}

func ahrsConfig(a config.AHRSConfig) ahrs.Config {
	c := ahrs.DefaultConfig()
	c.Kp = a.Kp
	if a.Ki != nil {
		c.Ki = *a.Ki
	}
	if a.KpMag != nil {
		c.KpMag = *a.KpMag
	}
	c.MinDT = a.MinDT
	c.MaxDT = a.MaxDT
	return c
}

func pipelineOptions(cfg config.Config) (pipeline.Options, error) {
	fc, err := frameConfig(cfg.Frame)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Frame:      fc,
		AHRS:       ahrsConfig(cfg.AHRS),
		BackoffMin: cfg.Link.BackoffMin,
		BackoffMax: cfg.Link.BackoffMax,
	}, nil
}

func newRuntime(ctx context.Context, cfg config.Config, stdout io.Writer) (*runtime, error) {
	opts, err := pipelineOptions(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}

	if cfg.Capture.Enable {
		w, err := replay.CreateWriter(cfg.Capture.Path)
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		rt.capture = w
		opts.Capture = w
		log.Printf("capture path=%s", cfg.Capture.Path)
	}

	rt.pipe = pipeline.New(opts)
	rt.hub = web.NewHub()
	rt.pipe.Subscribe(rt.hub, pipeline.SubscribeOptions{Name: "web"})

	if cfg.GPS.Enable || cfg.GPS.StaticLatDeg != nil {
		rt.gps = gps.New(gpsConfig(cfg.GPS))
		if err := rt.gps.Start(ctx); err != nil {
			log.Printf("gps init failed: %v", err)
		}
	}

	if cfg.MQTT.Enable {
		pub, err := mqttpub.Connect(mqttpub.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            byte(cfg.MQTT.QoS),
			PublishTimeout: cfg.MQTT.PublishTimeout,
			Attitude:       *cfg.MQTT.Attitude,
		})
		if err != nil {
			log.Printf("mqtt init failed: %v", err)
		} else {
			rt.mqtt = pub
			rt.pipe.Subscribe(pub, pipeline.SubscribeOptions{Name: "mqtt"})
			log.Printf("mqtt broker=%s prefix=%s", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
		}
	}

	if cfg.Storage.Enable {
		if err := rt.startStorage(ctx); err != nil {
			log.Printf("storage init failed: %v", err)
		}
	}

	if cfg.UDP.Enable {
		f, err := udp.NewForwarder(cfg.UDP.Dest)
		if err != nil {
			log.Printf("udp init failed: %v", err)
		} else {
			rt.udp = f
			rt.pipe.Subscribe(f, pipeline.SubscribeOptions{Name: "udp"})
			log.Printf("udp dest=%s", cfg.UDP.Dest)
		}
	}

	if cfg.Console.Enable {
		p := console.New(stdout, console.Options{Every: cfg.Console.Every, NoColor: cfg.Console.NoColor})
		rt.pipe.Subscribe(p, pipeline.SubscribeOptions{Name: "console"})
	}

	if cfg.StatusLED.Enable {
		led, err := statusled.Open(statusled.Config{
			Chip:      cfg.StatusLED.Chip,
			Line:      cfg.StatusLED.Line,
			ActiveLow: cfg.StatusLED.ActiveLow,
		})
		if err != nil {
			log.Printf("status led init failed: %v", err)
		} else {
			rt.led = led
			rt.pipe.Subscribe(led, pipeline.SubscribeOptions{Name: "led", Queue: 16})
		}
	}

	tcfg := transportConfig(cfg.Serial)
	if err := rt.pipe.Start(ctx, tcfg); err != nil {
		rt.Close()
		return nil, err
	}
	log.Printf("link %s", tcfg.WithDefaults())
	return rt, nil
}

func (rt *runtime) startStorage(ctx context.Context) error {
	st, err := storage.Open(rt.cfg.Storage.Path)
	if err != nil {
		return err
	}
	saved := rt.cfg
	saved.MQTT.Password = ""
	id, err := st.CreateSession(ctx, time.Now().UTC(), transportConfig(rt.cfg.Serial).String(), saved)
	if err != nil {
		_ = st.Close()
		return err
	}
	rt.store = st
	rt.recorder = storage.NewRecorder(st, id, storage.RecorderOptions{
		BatchSize:     rt.cfg.Storage.BatchSize,
		FlushInterval: rt.cfg.Storage.FlushInterval,
	})
	rt.pipe.Subscribe(rt.recorder, pipeline.SubscribeOptions{Name: "storage", Queue: 1024, Policy: pipeline.Block})
	log.Printf("storage path=%s session=%d", rt.cfg.Storage.Path, id)
	return nil
}

// ground returns the gps service as a web.GroundSource, or nil when there is
// none.
func (rt *runtime) ground() web.GroundSource {
	if rt == nil || rt.gps == nil {
		return nil
	}
	return rt.gps
}

// Close stops the link first so every subscriber has seen its last event
// before the sinks are flushed and closed.
func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	if rt.pipe != nil {
		rt.pipe.Close()
	}
	if rt.recorder != nil {
		rt.recorder.Close()
		log.Printf("storage records=%d failed=%d", rt.recorder.Written(), rt.recorder.Failed())
		rt.recorder = nil
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			log.Printf("storage close: %v", err)
		}
		rt.store = nil
	}
	if rt.mqtt != nil {
		rt.mqtt.Close()
		rt.mqtt = nil
	}
	if rt.udp != nil {
		_ = rt.udp.Close()
		rt.udp = nil
	}
	if rt.led != nil {
		_ = rt.led.Close()
		rt.led = nil
	}
	if rt.gps != nil {
		rt.gps.Close()
		rt.gps = nil
	}
	if rt.capture != nil {
		if err := rt.capture.Close(); err != nil {
			log.Printf("capture close: %v", err)
		}
		rt.capture = nil
	}
}
