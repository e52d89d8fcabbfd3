package web

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/pipeline"
	"cansat-groundstation/internal/telemetry"
)

const (
	MsgRecord   = "record"
	MsgAttitude = "attitude"
	MsgLink     = "link"
)

// Message is one websocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans pipeline output out to websocket clients. It keeps the most recent
// message of each type so a new client sees the current state at once.
// Slow clients lose messages rather than holding up the others.
type Hub struct {
	mu      sync.RWMutex
	clients map[int]chan []byte
	nextID  int
	last    map[string][]byte

	dropped atomic.Uint64
}

var _ pipeline.Subscriber = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[int]chan []byte),
		last:    make(map[string][]byte),
	}
}

func (h *Hub) OnRecord(r telemetry.Record)  { h.publish(MsgRecord, r) }
func (h *Hub) OnAttitude(e ahrs.Estimate)   { h.publish(MsgAttitude, e) }
func (h *Hub) OnLink(ev pipeline.LinkEvent) { h.publish(MsgLink, ev) }

// Subscribe registers a client. The returned channel is primed with the last
// link, record and attitude message, in that order.
func (h *Hub) Subscribe(buffer int) (int, <-chan []byte) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan []byte, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.clients[id] = ch
	for _, typ := range []string{MsgLink, MsgRecord, MsgAttitude} {
		if b, ok := h.last[typ]; ok {
			select {
			case ch <- b:
			default:
			}
		}
	}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	ch, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(ch)
	}
	h.mu.Unlock()
}

// CloseClients disconnects every client; the hub stays usable.
func (h *Hub) CloseClients() {
	h.mu.Lock()
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts messages not delivered to a full client queue.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) publish(typ string, data any) {
	b, err := json.Marshal(Message{Type: typ, Data: data})
	if err != nil {
		log.Printf("web: marshal %s failed: %v", typ, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[typ] = b
	for _, ch := range h.clients {
		select {
		case ch <- b:
		default:
			h.dropped.Add(1)
		}
	}
}
