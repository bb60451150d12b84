package link

import (
	"context"
	"testing"

	"github.com/disgoorg/snowflake/v2"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/nodetest"
)

func TestNewConfig(t *testing.T) {
	t.Parallel()

	s := MemoryStore()
	cfg := NewConfig(42, nil, DefaultRateLimitConfig(), s)
	if cfg.UserID != 42 || cfg.Store != s || cfg.SortNode != kephaslink.SortPlayers {
		t.Errorf("NewConfig() = %+v", cfg)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Burst != 200 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if NoRateLimit().Enabled {
		t.Error("NoRateLimit() is enabled")
	}
}

func TestNewManagesPlayers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := MemoryStore()
	cfg := NewConfig(42, nil, NoRateLimit(), s)
	cfg.NodeFactory = func(nc kephaslink.NodeConfig, _ kephaslink.Listener, _ TrackHandler) (kephaslink.Node, error) {
		return nodetest.New(nc.ID()), nil
	}

	m := New(cfg)
	if _, err := m.AddNode(ctx, kephaslink.NodeConfig{Identifier: "main", Host: "localhost", Port: 2333}); err != nil {
		t.Fatal(err)
	}
	p, err := m.CreatePlayer(ctx, kephaslink.CreateOptions{GuildID: snowflake.ID(1)})
	if err != nil {
		t.Fatal(err)
	}
	if p.Node().ID() != "main" {
		t.Errorf("player node = %s", p.Node().ID())
	}

	snaps, err := s.List(ctx)
	if err != nil || len(snaps) != 1 {
		t.Errorf("store = %+v, %v", snaps, err)
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()

	if got := Identifier(kephaslink.SearchQuery{Query: "lofi", Source: SourceSoundCloud}, SourceYouTube); got != "scsearch:lofi" {
		t.Errorf("Identifier() = %q", got)
	}
	if got := Region("us-central5.discord.media:443"); got != "us-central" {
		t.Errorf("Region() = %q", got)
	}
}
