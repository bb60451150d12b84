// Package kephaslink is a client for Lavalink-compatible audio nodes.
//
// A Manager owns a pool of nodes and one player per guild. Nodes are
// reached over a WebSocket for pushed messages (ready, stats, player
// updates, track events) and over REST for player updates and track loading.
// Both the v4 and the legacy v3 backends are supported; the version is
// probed before every connection.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephaslink/disgolink"
//	    "github.com/luciancaetano/kephaslink/link"
//	)
//
//	adapter := disgolink.New(logger)
//	client, _ := disgo.New(token, bot.WithEventListeners(...), adapter.ConfigOpts()...)
//	adapter.SetClient(client)
//
//	cfg := link.NewConfig(client.ID(), adapter, link.DefaultRateLimitConfig(), link.MemoryStore())
//	manager := link.New(cfg)
//	adapter.SetManager(manager)
//
//	manager.AddNode(ctx, kephaslink.NodeConfig{Host: "localhost", Port: 2333, Password: "youshallnotpass"})
//
//	player, _ := manager.CreatePlayer(ctx, kephaslink.CreateOptions{GuildID: guildID, VoiceChannelID: channelID})
//	player.Connect(ctx, kephaslink.ConnectOptions{Deaf: true})
//
//	result, _ := manager.Search(ctx, kephaslink.SearchQuery{Query: "lofi"})
//	player.Queue().Push(result.Tracks...)
//	player.Play(ctx)
//
// # Voice
//
// The node only joins a voice channel once it has both halves of the
// credential: the session id from the bot's own voice state update and the
// token and endpoint from the voice server update. Feed both gateway events
// to the manager (disgolink does this for disgo clients). An unchanged
// credential is not sent twice.
//
// # Node Selection
//
// New players go to the open node ranked best by Config.SortNode. With
// BalanceByRegion a player moves to a node serving the region of its voice
// endpoint. When a node gives up reconnecting its players move to the best
// remaining node, or are disconnected when none is left.
//
// # Events
//
// Listeners registered with AddListener receive node, player and track
// events. Player events are delivered after the player's lock is released,
// so a listener may call back into the player.
//
// # Persistence
//
// Every player change is written to the configured PlayerStore. Restore
// recreates players from the store after a restart. Memory, Redis and MySQL
// stores are provided in package link.
package kephaslink
