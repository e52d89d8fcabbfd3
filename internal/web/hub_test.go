package web

import (
	"encoding/json"
	"testing"

	"cansat-groundstation/internal/pipeline"
)

func TestHub_PrimesNewClientInOrder(t *testing.T) {
	h := NewHub()
	h.OnRecord(sampleRecord())
	h.OnLink(pipeline.LinkEvent{State: pipeline.LinkLost})
	h.OnLink(pipeline.LinkEvent{State: pipeline.LinkConnected})

	id, ch := h.Subscribe(8)
	defer h.Unsubscribe(id)

	want := []string{MsgLink, MsgRecord}
	for i, typ := range want {
		var m struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(<-ch, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.Type != typ {
			t.Fatalf("msg %d type=%q want %q", i, m.Type, typ)
		}
		if typ == MsgLink && m.Data["state"] != "connected" {
			t.Fatalf("link=%v want latest", m.Data)
		}
	}
	select {
	case b := <-ch:
		t.Fatalf("unexpected %s", b)
	default:
	}
}

func TestHub_SlowClientDrops(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(2)
	for i := 0; i < 5; i++ {
		h.OnRecord(sampleRecord())
	}
	if len(ch) != 2 {
		t.Fatalf("queued=%d want 2", len(ch))
	}
	if h.Dropped() != 3 {
		t.Fatalf("dropped=%d want 3", h.Dropped())
	}
	h.Unsubscribe(id)
	if _, ok := <-ch; !ok {
		t.Fatalf("queued message lost on unsubscribe")
	}
	h.Unsubscribe(id)
	if h.Clients() != 0 {
		t.Fatalf("clients=%d", h.Clients())
	}
}

func TestHub_CloseClients(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1)
	h.CloseClients()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	h.Unsubscribe(id)
	h.OnRecord(sampleRecord())
	if h.Clients() != 0 {
		t.Fatalf("clients=%d", h.Clients())
	}
}
