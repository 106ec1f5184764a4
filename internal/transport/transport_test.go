package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ransomwave/azul/internal/codec"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New("")
	ts := httptest.NewServer(http.HandlerFunc(s.handleUpgrade))
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOnConnectionFires(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)

	connected := make(chan struct{}, 1)
	s.OnConnection(func() { connected <- struct{}{} })

	dial(t, ts)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnection callback did not fire")
	}
}

func TestOnMessageDecodesFrame(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)

	received := make(chan codec.Message, 1)
	s.OnMessage(func(m codec.Message) { received <- m })

	conn := dial(t, ts)
	raw, _ := codec.Encode(codec.NewInstanceDeleted("aaaa"))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	select {
	case msg := <-received:
		del, ok := msg.(codec.InstanceDeleted)
		if !ok || del.Guid != "aaaa" {
			t.Errorf("received = %+v, want InstanceDeleted{Guid: aaaa}", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage callback did not fire")
	}
}

func TestSendWithNoPeerReturnsTransportError(t *testing.T) {
	t.Parallel()
	s := New("")
	err := s.Send(codec.NewInstanceDeleted("aaaa"))
	if err == nil {
		t.Fatal("Send() with no peer should error")
	}
}

func TestSendDeliversToPeer(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)
	connected := make(chan struct{}, 1)
	s.OnConnection(func() { connected <- struct{}{} })

	conn := dial(t, ts)
	<-connected

	if err := s.Send(codec.NewInstanceDeleted("bbbb")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	del, ok := msg.(codec.InstanceDeleted)
	if !ok || del.Guid != "bbbb" {
		t.Errorf("decoded = %+v, want InstanceDeleted{Guid: bbbb}", msg)
	}
}

func TestNewConnectionSupersedesPrevious(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)
	connections := make(chan struct{}, 2)
	s.OnConnection(func() { connections <- struct{}{} })

	first := dial(t, ts)
	<-connections
	second := dial(t, ts)
	<-connections

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Error("first connection should be closed once a second connection arrives")
	}
	_ = second
}
