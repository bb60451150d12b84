package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/luciancaetano/kephaslink"
)

func TestParseNodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    []kephaslink.NodeConfig
		wantErr bool
	}{
		{name: "empty", input: "  "},
		{
			name:  "host and port",
			input: "localhost:2333",
			want:  []kephaslink.NodeConfig{{Host: "localhost", Port: 2333}},
		},
		{
			name:  "full",
			input: "main@lava.example.com:443:youshallnotpass:true",
			want:  []kephaslink.NodeConfig{{Identifier: "main", Host: "lava.example.com", Port: 443, Password: "youshallnotpass", Secure: true}},
		},
		{
			name:  "list",
			input: "a@one:2333:pw, b@two:2444:pw:secure ,",
			want: []kephaslink.NodeConfig{
				{Identifier: "a", Host: "one", Port: 2333, Password: "pw"},
				{Identifier: "b", Host: "two", Port: 2444, Password: "pw", Secure: true},
			},
		},
		{name: "missing port", input: "localhost", wantErr: true},
		{name: "bad port", input: "localhost:http", wantErr: true},
		{name: "port out of range", input: "localhost:70000", wantErr: true},
		{name: "bad secure flag", input: "localhost:2333:pw:maybe", wantErr: true},
		{name: "too many fields", input: "localhost:2333:pw:true:x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseNodes(tt.input)
			if tt.wantErr {
				var invalid *kephaslink.InvalidArgumentError
				if !errors.As(err, &invalid) {
					t.Fatalf("ParseNodes(%q) error = %v, want InvalidArgumentError", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseNodes(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
			for i := range got {
				g, w := got[i], tt.want[i]
				if g.Identifier != w.Identifier || g.Host != w.Host || g.Port != w.Port || g.Password != w.Password || g.Secure != w.Secure {
					t.Errorf("node %d = %+v, want %+v", i, g, w)
				}
			}
		})
	}
}

func TestDecodeNodes(t *testing.T) {
	t.Parallel()

	nodes, err := DecodeNodes([]byte(`[
		{"identifier": "eu", "host": "eu.local", "port": 2333, "password": "pw", "regions": ["eu-west", "rotterdam"], "retryDelay": 1500},
		{"host": "us.local", "secure": true, "resumeTimeout": 60000}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}
	if nodes[0].ID() != "eu" || len(nodes[0].Regions) != 2 || nodes[0].RetryDelay != 1500*time.Millisecond {
		t.Errorf("nodes[0] = %+v", nodes[0])
	}
	if nodes[1].ID() != "us.local" || !nodes[1].Secure || nodes[1].ResumeTimeout != time.Minute {
		t.Errorf("nodes[1] = %+v", nodes[1])
	}

	var invalid *kephaslink.InvalidArgumentError
	if _, err := DecodeNodes([]byte(`[{"port": 1}]`)); !errors.As(err, &invalid) {
		t.Errorf("missing host error = %v", err)
	}
	if _, err := DecodeNodes([]byte(`{`)); err == nil {
		t.Error("invalid JSON accepted")
	}
}

// unset clears key for the test and restores it afterwards.
func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

var envKeys = []string{
	"DISCORD_TOKEN", "LAVALINK_NODES", "LAVALINK_NODES_FILE", "CLIENT_NAME", "SORT_NODE",
	"RETRY_AMOUNT", "RETRY_DELAY", "RESUME_TIMEOUT", "BALANCE_BY_REGION", "DESTROY_ON_STOP",
	"REST_RATE_LIMIT", "REST_RATE_BURST", "LOG_LEVEL", "LOG_FILE",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "MYSQL_DSN",
}

func TestLoadDefaults(t *testing.T) {
	unset(t, envKeys...)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ClientName != kephaslink.DefaultClientName || cfg.SortNode != kephaslink.SortPlayers {
		t.Errorf("client=%q sort=%q", cfg.ClientName, cfg.SortNode)
	}
	if cfg.RetryAmount != kephaslink.DefaultRetryAmount || cfg.RetryDelay != 30*time.Second {
		t.Errorf("retry = %d / %v", cfg.RetryAmount, cfg.RetryDelay)
	}
	if len(cfg.Nodes) != 0 {
		t.Errorf("Nodes = %+v, want none", cfg.Nodes)
	}
	if rl := cfg.RateLimit(); !rl.Enabled || rl.RequestsPerSecond != 100 || rl.Burst != 200 {
		t.Errorf("RateLimit() = %+v", rl)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	unset(t, envKeys...)

	dir := t.TempDir()
	nodesFile := filepath.Join(dir, "nodes.json")
	if err := os.WriteFile(nodesFile, []byte(`[{"identifier": "file", "host": "file.local", "port": 80, "retryAmount": 9}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("DISCORD_TOKEN=from-file\nCLIENT_NAME=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CLIENT_NAME", "from-env")
	t.Setenv("LAVALINK_NODES", "env@env.local:2333:pw")
	t.Setenv("LAVALINK_NODES_FILE", nodesFile)
	t.Setenv("RETRY_AMOUNT", "3")
	t.Setenv("RETRY_DELAY", "2500")
	t.Setenv("RESUME_TIMEOUT", "1m")
	t.Setenv("BALANCE_BY_REGION", "true")
	t.Setenv("REST_RATE_LIMIT", "0")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DiscordToken != "from-file" {
		t.Errorf("DiscordToken = %q, want from-file", cfg.DiscordToken)
	}
	if cfg.ClientName != "from-env" {
		t.Errorf("ClientName = %q, want the environment to win", cfg.ClientName)
	}
	if !cfg.BalanceByRegion || cfg.RedisDB != 0 {
		t.Errorf("BalanceByRegion=%v RedisDB=%d", cfg.BalanceByRegion, cfg.RedisDB)
	}
	if rl := cfg.RateLimit(); rl.Enabled {
		t.Errorf("RateLimit() = %+v, want disabled", rl)
	}

	if len(cfg.Nodes) != 2 {
		t.Fatalf("Nodes = %+v, want env and file nodes", cfg.Nodes)
	}
	env, file := cfg.Nodes[0], cfg.Nodes[1]
	if env.ID() != "env" || env.RetryAmount != 3 || env.RetryDelay != 2500*time.Millisecond || env.ResumeTimeout != time.Minute {
		t.Errorf("env node = %+v", env)
	}
	if file.ID() != "file" || file.RetryAmount != 9 {
		t.Errorf("file node = %+v", file)
	}
}

func TestLoadRejectsBadNodes(t *testing.T) {
	unset(t, envKeys...)
	t.Setenv("LAVALINK_NODES", "nohost")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("Load() accepted a malformed node list")
	}
}

func TestNodesWatcher(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nodes.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewNodesWatcher(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []kephaslink.NodeConfig, 8)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(nodes []kephaslink.NodeConfig, err error) {
			if err != nil {
				return
			}
			select {
			case changes <- nodes:
			default:
			}
		})
	}()

	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.json"), []byte(`x`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`[{"identifier": "new", "host": "new.local"}]`), 0o600); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case nodes := <-changes:
			if len(nodes) == 1 && nodes[0].ID() == "new" {
				cancel()
				if err := <-done; err != nil {
					t.Errorf("Run() error = %v", err)
				}
				return
			}
		case <-timeout:
			t.Fatal("no change reported")
		}
	}
}
