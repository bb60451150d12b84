package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephaslink"
)

func TestDefaultRateLimitConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		config      *RateLimitConfig
		wantRPS     rate.Limit
		wantBurst   int
		wantEnabled bool
	}{
		{"default config", DefaultRateLimitConfig(), 100, 200, true},
		{"no rate limit", NoRateLimit(), 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.config.RequestsPerSecond != tt.wantRPS {
				t.Errorf("RequestsPerSecond = %v, want %v", tt.config.RequestsPerSecond, tt.wantRPS)
			}
			if tt.config.Burst != tt.wantBurst {
				t.Errorf("Burst = %v, want %v", tt.config.Burst, tt.wantBurst)
			}
			if tt.config.Enabled != tt.wantEnabled {
				t.Errorf("Enabled = %v, want %v", tt.config.Enabled, tt.wantEnabled)
			}
		})
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"ws://localhost:2333", "::bad", ""} {
		if _, err := New(Config{BaseURL: base}); err == nil {
			t.Errorf("New(%q) expected error", base)
		}
	}
}

func TestDo(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v4/loadtracks":
			json.NewEncoder(w).Encode(map[string]string{"identifier": r.URL.Query().Get("identifier")})
		case "/v4/sessions/abc/players/1":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if r.Method != http.MethodPatch || body["volume"] != float64(50) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{}`))
		case "/version":
			w.Write([]byte("4.0.8\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"timestamp":1,"status":404,"error":"Not Found","message":"Session not found","path":"/v4/sessions/x"}`))
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Password: "pw", RateLimit: DefaultRateLimitConfig()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	var out map[string]string
	if err := c.Do(ctx, http.MethodGet, "/v4/loadtracks", url.Values{"identifier": {"ytsearch:a b"}}, nil, &out); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if out["identifier"] != "ytsearch:a b" {
		t.Errorf("identifier = %q", out["identifier"])
	}

	if err := c.Do(ctx, http.MethodPatch, "/v4/sessions/abc/players/1", nil, map[string]int{"volume": 50}, nil); err != nil {
		t.Errorf("PATCH error = %v", err)
	}

	version, err := c.Text(ctx, "/version")
	if err != nil || version != "4.0.8" {
		t.Errorf("Text() = %q, %v", version, err)
	}

	err = c.Do(ctx, http.MethodGet, "/v4/sessions/x", nil, nil, nil)
	var rpcErr *kephaslink.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Status != http.StatusNotFound || rpcErr.Message != "Session not found" {
		t.Errorf("RPCError = %+v", rpcErr)
	}

	if got := c.Calls(); got != 4 {
		t.Errorf("Calls() = %d, want 4", got)
	}
}

func TestCallsCountFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	c, _ := New(Config{BaseURL: srv.URL})
	srv.Close()

	for i := 0; i < 3; i++ {
		if err := c.Do(context.Background(), http.MethodGet, "/v4/info", nil, nil, nil); err == nil {
			t.Fatal("expected error against a closed server")
		}
	}
	if got := c.Calls(); got != 3 {
		t.Errorf("Calls() = %d, want 3", got)
	}
}

func TestInvalidJSONResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL})
	var out map[string]any
	err := c.Do(context.Background(), http.MethodGet, "/v4/info", nil, nil, &out)
	var rpcErr *kephaslink.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
}
