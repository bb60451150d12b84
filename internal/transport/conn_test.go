package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/kephaslink"
)

func newServer(t *testing.T, upgrader websocket.Upgrader, handle func(*websocket.Conn, *http.Request)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echoHandler(conn *websocket.Conn, _ *http.Request) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func dial(t *testing.T, url string, header http.Header) *Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, header, Options{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return c
}

func next(t *testing.T, c *Conn) Event {
	t.Helper()

	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// drainUntilClose returns the close event and checks it is the last one.
func drainUntilClose(t *testing.T, c *Conn) Event {
	t.Helper()

	for {
		ev := next(t, c)
		if ev.Type != EventClose {
			continue
		}
		select {
		case _, ok := <-c.Events():
			if ok {
				t.Error("event delivered after close")
			}
		case <-time.After(5 * time.Second):
			t.Error("event channel not closed after close event")
		}
		return ev
	}
}

func TestSendReceiveAndLocalClose(t *testing.T) {
	t.Parallel()

	url := newServer(t, websocket.Upgrader{}, echoHandler)
	c := dial(t, url, nil)

	if ev := next(t, c); ev.Type != EventOpen {
		t.Fatalf("first event = %v, want open", ev.Type)
	}

	ctx := context.Background()
	for _, msg := range []string{"hello", strings.Repeat("x", 300), strings.Repeat("y", 70000)} {
		if err := c.Send(ctx, []byte(msg)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		ev := next(t, c)
		if ev.Type != EventMessage || string(ev.Data) != msg {
			t.Fatalf("got %v with %d bytes, want echo of %d bytes", ev.Type, len(ev.Data), len(msg))
		}
	}

	if err := c.Close(ctx, kephaslink.CloseNormalClosure, kephaslink.DestroyReason); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	ev := drainUntilClose(t, c)
	if ev.Code != kephaslink.CloseNormalClosure || ev.Reason != kephaslink.DestroyReason {
		t.Errorf("close event = (%d, %q), want (1000, destroy)", ev.Code, ev.Reason)
	}

	if err := c.Send(ctx, []byte("late")); !errors.Is(err, kephaslink.ErrConnectionClosed) {
		t.Errorf("Send() after close error = %v, want ErrConnectionClosed", err)
	}
	if c.IsAlive() {
		t.Error("IsAlive() = true after close")
	}
}

func TestHandshakeHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan http.Header, 1)
	url := newServer(t, websocket.Upgrader{}, func(conn *websocket.Conn, r *http.Request) {
		got <- r.Header.Clone()
		echoHandler(conn, r)
	})

	header := http.Header{}
	header.Set(kephaslink.HeaderAuthorization, "secret")
	header.Set(kephaslink.HeaderUserID, "42")
	header.Set(kephaslink.HeaderClientName, "test")
	c := dial(t, url, header)
	defer c.Close(context.Background(), kephaslink.CloseNormalClosure, "")

	h := <-got
	if h.Get("Authorization") != "secret" || h.Get("User-Id") != "42" || h.Get("Client-Name") != "test" {
		t.Errorf("server saw headers %v", h)
	}
}

func TestHandshakeRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, Options{})
	var perr *kephaslink.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Dial() error = %v, want *ProtocolError", err)
	}
}

func TestPeerClose(t *testing.T) {
	t.Parallel()

	url := newServer(t, websocket.Upgrader{}, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "session invalid"))
		// Wait for the echo.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})
	c := dial(t, url, nil)

	ev := drainUntilClose(t, c)
	if ev.Code != 4001 || ev.Reason != "session invalid" {
		t.Errorf("close event = (%d, %q), want (4001, session invalid)", ev.Code, ev.Reason)
	}
}

func TestAbruptDisconnect(t *testing.T) {
	t.Parallel()

	url := newServer(t, websocket.Upgrader{}, func(conn *websocket.Conn, _ *http.Request) {
		conn.UnderlyingConn().Close()
	})
	c := dial(t, url, nil)

	ev := drainUntilClose(t, c)
	if ev.Code != kephaslink.CloseAbnormalClosure {
		t.Errorf("close code = %d, want 1006", ev.Code)
	}
}

func TestFragmentedServerMessage(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("abcdefgh"), 500)
	url := newServer(t, websocket.Upgrader{WriteBufferSize: 256}, func(conn *websocket.Conn, _ *http.Request) {
		w, err := conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		for i := 0; i < len(payload); i += 100 {
			end := min(i+100, len(payload))
			w.Write(payload[i:end])
		}
		w.Close()
		conn.ReadMessage()
	})
	c := dial(t, url, nil)
	defer c.Close(context.Background(), kephaslink.CloseNormalClosure, "")

	next(t, c) // open
	ev := next(t, c)
	if ev.Type != EventMessage || !bytes.Equal(ev.Data, payload) {
		t.Errorf("got %v with %d bytes, want %d", ev.Type, len(ev.Data), len(payload))
	}
}

func TestPingIsAnswered(t *testing.T) {
	t.Parallel()

	pong := make(chan string, 1)
	url := newServer(t, websocket.Upgrader{}, func(conn *websocket.Conn, _ *http.Request) {
		conn.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		conn.WriteControl(websocket.PingMessage, []byte("are you there"), time.Now().Add(time.Second))
		conn.ReadMessage()
	})
	c := dial(t, url, nil)
	defer c.Close(context.Background(), kephaslink.CloseNormalClosure, "")

	select {
	case data := <-pong:
		if data != "are you there" {
			t.Errorf("pong payload = %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestProtocolErrorDropsConnection(t *testing.T) {
	t.Parallel()

	url := newServer(t, websocket.Upgrader{}, func(conn *websocket.Conn, _ *http.Request) {
		// Frame with reserved opcode 0x3.
		conn.UnderlyingConn().Write([]byte{0x83, 0x00})
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})
	c := dial(t, url, nil)

	var sawError bool
	for {
		ev := next(t, c)
		if ev.Type == EventError {
			var perr *kephaslink.ProtocolError
			sawError = errors.As(ev.Err, &perr)
			continue
		}
		if ev.Type == EventClose {
			if ev.Code != kephaslink.CloseProtocolError {
				t.Errorf("close code = %d, want 1002", ev.Code)
			}
			break
		}
	}
	if !sawError {
		t.Error("expected a ProtocolError event before close")
	}
}
