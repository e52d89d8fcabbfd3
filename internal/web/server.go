package web

import (
	"context"
	"fmt"
	"html"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
	wsQueue      = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from the same box; clients on the field network
	// connect by IP, so origins vary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TelemetryResponse is the body of /api/telemetry.
type TelemetryResponse struct {
	Record   any `json:"record"`
	Attitude any `json:"attitude,omitempty"`
	Link     any `json:"link"`
}

func Handler(status *Status, hub *Hub, logs *LogBuffer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/telemetry", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if status.pipe == nil {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		snap := status.pipe.Latest()
		if !snap.HaveRecord {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		resp := TelemetryResponse{Record: snap.Record, Link: snap.Link}
		if snap.HaveAttitude {
			resp.Attitude = snap.Attitude
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, resp)
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	mux.HandleFunc("/api/about", aboutHandler)

	if hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			serveWS(hub, w, r)
		})
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>CanSat ground station</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>CanSat ground station</h1>")
		_, _ = fmt.Fprintf(w, "<p>Live stream on <code>/ws</code>. See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/telemetry\">/api/telemetry</a> and <a href=\"/api/logs?format=text\">/api/logs</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>link=%s device=%s\nframes_ok=%d frames_corrupt=%d frames_truncated=%d\nlast_seq=%d</pre>",
			html.EscapeString(snap.Link.State.String()), html.EscapeString(snap.Link.Device),
			snap.Stats.FramesOK, snap.Stats.FramesCorrupt, snap.Stats.FramesTruncated, snap.LastSeq,
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

// serveWS streams hub messages to one client until either side goes away.
// Anything the client sends is read and discarded.
func serveWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, ch := hub.Subscribe(wsQueue)
	defer hub.Unsubscribe(id)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func Serve(ctx context.Context, listenAddr string, status *Status, hub *Hub, logs *LogBuffer) error {
	if status == nil {
		status = NewStatus(nil, nil, hub)
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(status, hub, logs),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: it would cut long-lived websocket streams.
		// Per-message deadlines are set in serveWS.
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// Shutdown leaves hijacked websocket connections alone.
		if hub != nil {
			hub.CloseClients()
		}
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
