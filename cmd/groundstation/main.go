package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cansat-groundstation/internal/config"
	"cansat-groundstation/internal/web"
)

func main() {
	var configPath string
	var summarizePath string
	flag.StringVar(&configPath, "config", "./groundstation.yaml", "Path to YAML config")
	flag.StringVar(&summarizePath, "summarize", "", "Print a summary of a raw capture file and exit")
	flag.Parse()

	if summarizePath != "" {
		if err := printCaptureSummary(os.Stdout, summarizePath); err != nil {
			log.Fatalf("summarize failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Web.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("cansat-groundstation starting config=%s", configPath)

	rt, err := newRuntime(ctx, cfg, os.Stdout)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer rt.Close()

	webDone := make(chan struct{})
	if cfg.Web.Enable {
		status := web.NewStatus(rt.pipe, rt.ground(), rt.hub)
		log.Printf("web listen=%s", cfg.Web.Listen)
		go func() {
			defer close(webDone)
			if err := web.Serve(ctx, cfg.Web.Listen, status, rt.hub, logs); err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
				cancel()
			}
		}()
	} else {
		close(webDone)
	}

	<-ctx.Done()
	log.Printf("cansat-groundstation stopping")
	<-webDone
}
