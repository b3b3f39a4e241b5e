package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer upgrades every request, pushes one greeting envelope and
// forwards everything it reads to received.
func echoServer(t *testing.T, received chan<- Outbound) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]any{
			"type": "message", "id": 1, "room_id": 7, "sender_id": 2, "content": "welcome",
		}); err != nil {
			return
		}
		for {
			var out Outbound
			if err := conn.ReadJSON(&out); err != nil {
				return
			}
			received <- out
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// nextEventFor skips events from superseded generations.
func nextEventFor(t *testing.T, m *Manager, gen uint64) Event {
	t.Helper()
	for {
		ev := nextEvent(t, m)
		if ev.Gen == gen {
			return ev
		}
	}
}

func TestManagerRoundtrip(t *testing.T) {
	received := make(chan Outbound, 8)
	srv := echoServer(t, received)
	defer srv.Close()

	m := NewManager(wsURL(srv), nil, 1)
	defer m.Close()

	gen := m.Open(context.Background(), 7)

	if ev := nextEventFor(t, m, gen); ev.State != StateConnecting || ev.Env != nil {
		t.Fatalf("first event = %+v, want Connecting", ev)
	}
	if ev := nextEventFor(t, m, gen); ev.State != StateOpen || ev.Env != nil {
		t.Fatalf("second event = %+v, want Open", ev)
	}

	ev := nextEventFor(t, m, gen)
	if ev.Env == nil || ev.Env.Type != EventMessage {
		t.Fatalf("third event = %+v, want message envelope", ev)
	}
	if ev.Env.ID == nil || *ev.Env.ID != 1 || *ev.Env.Content != "welcome" {
		t.Errorf("envelope = %+v", ev.Env)
	}

	if err := m.Send(Outbound{Type: EventMessage, RoomID: 7, SenderID: 1, Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if got.Type != EventMessage || got.RoomID != 7 || got.Content != "hi" {
			t.Errorf("server received %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestOpenBumpsGeneration(t *testing.T) {
	received := make(chan Outbound, 8)
	srv := echoServer(t, received)
	defer srv.Close()

	m := NewManager(wsURL(srv), nil, 1)
	defer m.Close()

	gen1 := m.Open(context.Background(), 1)
	gen2 := m.Open(context.Background(), 2)
	if gen2 <= gen1 {
		t.Errorf("generations = %d then %d, want strictly increasing", gen1, gen2)
	}

	// The second connection still comes up despite the first being torn
	// down mid-dial.
	if ev := nextEventFor(t, m, gen2); ev.State != StateConnecting {
		t.Fatalf("event = %+v, want Connecting for gen %d", ev, gen2)
	}
	if ev := nextEventFor(t, m, gen2); ev.State != StateOpen {
		t.Fatalf("event = %+v, want Open for gen %d", ev, gen2)
	}
}

func TestSendBeforeOpen(t *testing.T) {
	m := NewManager("ws://127.0.0.1:0/ws", nil, 1)
	if err := m.Send(Outbound{Type: EventMessage, Content: "hi"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestDialFailureReportsClosed(t *testing.T) {
	// Grab an address nothing listens on.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	m := NewManager(url, nil, 1)
	defer m.Close()
	gen := m.Open(context.Background(), 7)

	if ev := nextEventFor(t, m, gen); ev.State != StateConnecting {
		t.Fatalf("first event = %+v, want Connecting", ev)
	}
	ev := nextEventFor(t, m, gen)
	if ev.State != StateClosed || ev.Err == nil {
		t.Fatalf("second event = %+v, want Closed with error after final attempt", ev)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	received := make(chan Outbound, 8)
	srv := echoServer(t, received)
	defer srv.Close()

	m := NewManager(wsURL(srv), nil, 1)
	gen := m.Open(context.Background(), 7)
	nextEventFor(t, m, gen) // Connecting
	if ev := nextEventFor(t, m, gen); ev.State != StateOpen {
		t.Fatalf("event = %+v, want Open", ev)
	}

	m.Close()
	if err := m.Send(Outbound{Type: EventMessage, Content: "hi"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
}
