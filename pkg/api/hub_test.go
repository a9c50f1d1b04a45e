package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rmax-ai/lampchain/pkg/lamp"
	"github.com/rmax-ai/lampchain/pkg/lamp/lamptest"
)

func dialChanges(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/changes"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ChangeMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChangeStream_HelloThenChanged(t *testing.T) {
	st := lamptest.NewMemoryStore()
	s := newTestServer(t, st, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialChanges(t, ts)
	if msg := readFrame(t, conn); msg.Type != "hello" {
		t.Fatalf("Expected hello first, got %q", msg.Type)
	}
	waitFor(t, "registration", func() bool { return s.Hub().Clients() == 1 })

	_, err := st.CreateLamp(context.Background(), lamp.NewLamp{
		Coordinates: lamp.Coordinates{Lat: 1, Lng: 2},
		Message:     "hello world",
		Origin:      "7.7.7.7",
	})
	if err != nil {
		t.Fatalf("CreateLamp failed: %v", err)
	}

	if msg := readFrame(t, conn); msg.Type != "changed" {
		t.Fatalf("Expected changed, got %q", msg.Type)
	}
}

func TestChangeStream_ChangeRightAfterHello(t *testing.T) {
	st := lamptest.NewMemoryStore()
	s := newTestServer(t, st, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// No wait for registration: receiving hello must mean the client is
	// already registered.
	for i := 0; i < 50; i++ {
		conn := dialChanges(t, ts)
		if msg := readFrame(t, conn); msg.Type != "hello" {
			t.Fatalf("iteration %d: expected hello first, got %q", i, msg.Type)
		}
		st.Notify()
		if msg := readFrame(t, conn); msg.Type != "changed" {
			t.Fatalf("iteration %d: expected changed, got %q", i, msg.Type)
		}
		conn.Close()
	}
}

func TestChangeStream_FanOut(t *testing.T) {
	st := lamptest.NewMemoryStore()
	s := newTestServer(t, st, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conns := []*websocket.Conn{dialChanges(t, ts), dialChanges(t, ts), dialChanges(t, ts)}
	for _, c := range conns {
		readFrame(t, c)
	}
	waitFor(t, "registration", func() bool { return s.Hub().Clients() == len(conns) })

	st.Notify()
	for i, c := range conns {
		if msg := readFrame(t, c); msg.Type != "changed" {
			t.Errorf("client %d: expected changed, got %q", i, msg.Type)
		}
	}

	conns[0].Close()
	waitFor(t, "unregister", func() bool { return s.Hub().Clients() == len(conns)-1 })
}

func TestChangeStream_CloseDisconnectsClients(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialChanges(t, ts)
	readFrame(t, conn)
	waitFor(t, "registration", func() bool { return s.Hub().Clients() == 1 })

	s.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going-away close, got %v", err)
	}
}

func TestHub_NotifyCoalesces(t *testing.T) {
	h := NewHub(nil)
	// Without Run nothing drains the broadcast slot; extra signals must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Notify()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked")
	}
	if len(h.broadcast) != 1 {
		t.Errorf("Expected one pending signal, got %d", len(h.broadcast))
	}
}

func TestHub_SlowClientKeepsOneSignal(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := &hubClient{hub: h, send: make(chan []byte, 1)}
	h.register <- c

	for i := 0; i < 5; i++ {
		h.Notify()
		// let Run drain the broadcast slot
		waitFor(t, "broadcast drained", func() bool { return len(h.broadcast) == 0 })
	}

	if len(c.send) != 1 {
		t.Fatalf("Expected exactly one queued signal, got %d", len(c.send))
	}

	cancel()
	<-h.done
	if _, ok := <-c.send; !ok {
		t.Fatal("Expected queued signal before close")
	}
	if _, ok := <-c.send; ok {
		t.Error("Expected send channel closed after shutdown")
	}
}
