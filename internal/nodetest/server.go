package nodetest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/kephaslink"
)

// Password is the credential a Server accepts.
const Password = "youshallnotpass"

// Request is one REST call received by a Server.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   map[string]any
}

// Session is one WebSocket client of a Server.
type Session struct {
	id   string
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
}

func (s *Session) ID() string { return s.id }

// Send writes v as a JSON text message.
func (s *Session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

// Close ends the session with a normal close frame.
func (s *Session) Close() {
	s.mu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.mu.Unlock()
	s.cancel()
	s.conn.Close()
}

// Server is an in-process v4 backend. It answers the version probe, the
// track loading routes and the session player routes, and sends ready on
// every WebSocket it accepts.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	sessions sync.Map // map[string]*Session

	mu       sync.Mutex
	version  string
	results  map[string]*kephaslink.LoadResult
	requests []Request
	notify   chan struct{}
}

// NewServer starts a backend that stops when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		version: "4.0.0",
		results: make(map[string]*kephaslink.LoadResult),
		notify:  make(chan struct{}, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/v4/websocket", s.handleWebSocket)
	mux.HandleFunc("/v4/loadtracks", s.handleLoadTracks)
	mux.HandleFunc("/v4/sessions/", s.handlePlayer)
	s.srv = httptest.NewServer(s.authorize(mux))
	t.Cleanup(s.Stop)
	return s
}

// Config returns a node configuration pointing at the server.
func (s *Server) Config(id string) kephaslink.NodeConfig {
	u, _ := url.Parse(s.srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return kephaslink.NodeConfig{
		Identifier:  id,
		Host:        u.Hostname(),
		Port:        port,
		Password:    Password,
		RetryAmount: 3,
		RetryDelay:  20 * time.Millisecond,
	}
}

// AddResult registers the response of loadtracks for an identifier.
func (s *Server) AddResult(identifier string, r *kephaslink.LoadResult) {
	s.mu.Lock()
	s.results[identifier] = r
	s.mu.Unlock()
}

// Requests returns the REST calls received so far, the version probe
// excluded.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// WaitRequest blocks until a received request satisfies match.
func (s *Server) WaitRequest(t testing.TB, match func(Request) bool) Request {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		for _, r := range s.Requests() {
			if match(r) {
				return r
			}
		}
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no matching request, got %+v", s.Requests())
			return Request{}
		}
	}
}

// Broadcast sends v to every connected session.
func (s *Server) Broadcast(v any) {
	s.sessions.Range(func(_, value any) bool {
		value.(*Session).Send(v)
		return true
	})
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stop closes every session and the listener.
func (s *Server) Stop() {
	s.sessions.Range(func(_, value any) bool {
		value.(*Session).Close()
		return true
	})
	s.srv.Close()
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(kephaslink.HeaderAuthorization) != Password {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) record(r *http.Request) Request {
	req := Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query()}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		json.Unmarshal(data, &req.Body)
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return req
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	version := s.version
	s.mu.Unlock()
	w.Write([]byte(version))
}

func (s *Server) handleLoadTracks(w http.ResponseWriter, r *http.Request) {
	req := s.record(r)

	s.mu.Lock()
	result, ok := s.results[req.Query.Get("identifier")]
	s.mu.Unlock()
	if !ok {
		result = &kephaslink.LoadResult{LoadType: kephaslink.LoadTypeEmpty}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loadResultWire(result))
}

// loadResultWire renders a result the way a v4 backend does, with the
// payload under "data".
func loadResultWire(r *kephaslink.LoadResult) map[string]any {
	out := map[string]any{"loadType": r.LoadType}
	switch r.LoadType {
	case kephaslink.LoadTypeTrack:
		out["data"] = r.Tracks[0]
	case kephaslink.LoadTypePlaylist:
		out["data"] = map[string]any{"info": r.Playlist, "tracks": r.Tracks}
	case kephaslink.LoadTypeSearch:
		out["data"] = r.Tracks
	case kephaslink.LoadTypeError:
		out["data"] = r.Exception
	}
	return out
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	s.record(r)

	switch r.Method {
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{id: uuid.NewString(), conn: conn, ctx: ctx, cancel: cancel}
	s.sessions.Store(session.id, session)

	go s.handleClient(session)
}

// handleClient sends ready, then reads until the client goes away.
func (s *Server) handleClient(session *Session) {
	defer func() {
		s.sessions.Delete(session.id)
		session.cancel()
		session.conn.Close()
	}()

	session.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	session.conn.SetPongHandler(func(string) error {
		session.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if err := session.Send(map[string]any{"op": kephaslink.OpReady, "sessionId": session.id, "resumed": false}); err != nil {
		return
	}

	for {
		select {
		case <-session.ctx.Done():
			return
		default:
			if _, _, err := session.conn.ReadMessage(); err != nil {
				return
			}
			session.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		}
	}
}
