package kephaslink

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Manager owns the set of nodes and the per-guild player registry.
//
// It routes voice-gateway signals to the right Player, assigns nodes to new
// players using the configured SortKey and fans events out to listeners.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephaslink/link"
//
//	manager := link.New(link.NewConfig(userID, voiceSender))
//	manager.AddNode(ctx, kephaslink.NodeConfig{Host: "localhost", Port: 2333, Password: "youshallnotpass"})
//
//	player, _ := manager.CreatePlayer(ctx, kephaslink.CreateOptions{GuildID: guildID, VoiceChannelID: channelID})
//	player.Connect(ctx, kephaslink.ConnectOptions{Deaf: true})
type Manager interface {
	// AddNode registers a node and starts connecting to it in the background.
	//
	// Returns an error if a node with the same identifier is already registered.
	AddNode(ctx context.Context, cfg NodeConfig) (Node, error)

	// RemoveNode destroys a node and moves its players to the best remaining node.
	// Players that cannot be moved are disconnected.
	RemoveNode(ctx context.Context, id string) error

	// SyncNodes adds and removes nodes so that the registered set matches cfgs.
	// Nodes present in both are left untouched.
	SyncNodes(ctx context.Context, cfgs []NodeConfig) error

	// Node returns a registered node by identifier.
	Node(id string) (Node, bool)

	// Nodes returns every registered node, ready or not.
	Nodes() []Node

	// SortedNodes ranks the ready nodes by key, lowest load first.
	//
	// Returns ErrNoAvailableNode when no node is Open.
	SortedNodes(key SortKey) ([]Node, error)

	// BestNode returns the first node of SortedNodes for the configured key.
	BestNode() (Node, error)

	// CreatePlayer returns the player for opts.GuildID, creating it if needed.
	//
	// Creating a player for a guild that already has one returns the existing
	// instance unchanged.
	CreatePlayer(ctx context.Context, opts CreateOptions) (Player, error)

	// Player looks up a live player. Destroyed players are never returned.
	Player(guildID snowflake.ID) (Player, bool)

	// Players returns every live player.
	Players() []Player

	// DestroyPlayer destroys the player of a guild if there is one.
	DestroyPlayer(ctx context.Context, guildID snowflake.ID) error

	// HandleVoiceServerUpdate feeds the voice-server credential of a guild to its player.
	HandleVoiceServerUpdate(ctx context.Context, guildID snowflake.ID, endpoint string, token string) error

	// HandleVoiceStateUpdate feeds a voice state to the guild's player. Updates
	// for users other than the client user are ignored.
	HandleVoiceStateUpdate(ctx context.Context, guildID snowflake.ID, userID snowflake.ID, sessionID string, channelID *snowflake.ID) error

	// Search resolves a query through the registered resolvers or, failing
	// that, through the node with the least memory in use.
	//
	// Example:
	//
	//	result, err := manager.Search(ctx, kephaslink.SearchQuery{Query: "never gonna give you up", Source: "youtube"})
	//	if err == nil && result.Playable() {
	//	    player.Queue().Push(result.Tracks[0])
	//	}
	Search(ctx context.Context, query SearchQuery) (*LoadResult, error)

	// Restore recreates players from the configured PlayerStore.
	Restore(ctx context.Context) error

	// AddListener registers a function that receives every event.
	AddListener(l Listener)

	// Close destroys every node. Players are left in place and are not persisted again.
	Close(ctx context.Context) error
}

// Node is one backend session: a WebSocket control channel plus an HTTP
// control-plane client.
type Node interface {
	// ID returns the identifier the node is registered under.
	ID() string

	// Config returns the configuration the node was created with.
	Config() NodeConfig

	// State returns the current connection state.
	State() NodeState

	// SessionID returns the session issued by the backend on ready, or "".
	SessionID() string

	// Version returns the backend version detected on the last connect.
	Version() Version

	// Stats returns the last statistics snapshot pushed by the backend.
	Stats() NodeStats

	// Calls returns the number of control-plane requests issued so far,
	// successful or not.
	Calls() int64

	// Attempts returns the number of consecutive non-clean closes.
	Attempts() int

	// PlaybackState returns the last position report for a guild.
	// It is for display only.
	PlaybackState(guildID snowflake.ID) (PlaybackState, bool)

	// Connect probes the backend version and opens the WebSocket channel.
	// The node stays Connecting until the backend reports ready.
	Connect(ctx context.Context) error

	// Destroy closes the node deliberately. A destroyed node never reconnects.
	Destroy(ctx context.Context) error

	// UpdatePlayer sends a partial player update for a guild.
	UpdatePlayer(ctx context.Context, guildID snowflake.ID, patch PlayerPatch) error

	// DestroyPlayer releases the backend resources of a guild player.
	DestroyPlayer(ctx context.Context, guildID snowflake.ID) error

	// DecodeTrack decodes an encoded track payload.
	DecodeTrack(ctx context.Context, encoded string) (*Track, error)

	// LoadTracks loads tracks by identifier, such as "ytsearch:query" or a URL.
	LoadTracks(ctx context.Context, identifier string) (*LoadResult, error)

	// Request performs an arbitrary control-plane call below the version prefix
	// and decodes a JSON response into out when out is non-nil.
	Request(ctx context.Context, method string, endpoint string, params url.Values, body any, out any) error
}

// Player is the playback controller of one guild.
//
// Local flags only change after the matching node call succeeds, so a failed
// call leaves the player exactly as it was.
type Player interface {
	GuildID() snowflake.ID
	Node() Node
	Queue() Queue

	// State returns the coarse status derived from the player flags.
	State() PlayerStatus
	Connected() bool
	Playing() bool
	Paused() bool
	Destroyed() bool

	Current() *Track
	Previous() *Track
	Volume() int
	Loop() LoopMode
	AutoPlay() bool
	AutoLeave() bool
	TextChannelID() snowflake.ID
	VoiceChannelID() *snowflake.ID

	// Position returns the last position reported by the node.
	Position() time.Duration

	// Connect asks the voice gateway to join the voice channel. No node call
	// is made until both voice signals have arrived.
	Connect(ctx context.Context, opts ConnectOptions) error

	// Disconnect asks the voice gateway to leave and forgets both voice signals.
	Disconnect(ctx context.Context) error

	// OnVoiceServerUpdate caches the voice-server credential and joins if the
	// session id is already known.
	OnVoiceServerUpdate(ctx context.Context, endpoint string, token string) error

	// OnVoiceStateUpdate caches the voice session id and joins if the
	// credential is already known. A nil channel means the client was
	// disconnected from voice.
	OnVoiceStateUpdate(ctx context.Context, sessionID string, channelID *snowflake.ID) error

	// OnVoiceChannelLeft stops playback and marks the player disconnected
	// without destroying it.
	OnVoiceChannelLeft(ctx context.Context) error

	// Play starts the next queued track. It reports false when the queue is empty.
	Play(ctx context.Context) (bool, error)

	// PlayTrack starts t immediately.
	PlayTrack(ctx context.Context, t Track) error

	// PlayEncoded decodes an encoded payload through the node and starts it.
	// A decode failure is reported as a DebugEvent and changes nothing.
	PlayEncoded(ctx context.Context, encoded string) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Stop clears the remote track when the queue is empty and clears the
	// queue. With destroy and DestroyOnStop configured the player is destroyed.
	Stop(ctx context.Context, destroy bool) error

	// Skip advances to the next track, or to the 1-based queue position when
	// position is positive.
	//
	// Returns *IndexError when position is out of range.
	Skip(ctx context.Context, position int) error

	// SetVolume sets the volume on a 0 to 1000 scale.
	//
	// Returns *InvalidStateError when nothing is playing.
	SetVolume(ctx context.Context, volume int) error

	// SetFilters passes a raw filters object through to the node.
	SetFilters(ctx context.Context, filters json.RawMessage) error

	// SetLoop sets the loop mode.
	//
	// Returns *InvalidArgumentError for an undefined mode.
	SetLoop(mode LoopMode) error

	// Seek moves the current track to position.
	//
	// Returns *InvalidArgumentError when position is past the track end and
	// *InvalidStateError for a non-seekable stream.
	Seek(ctx context.Context, position time.Duration) error

	// Destroy leaves voice, releases the node player, clears the queue and
	// removes the player from the registry. Calling it again does nothing.
	Destroy(ctx context.Context) error

	// HandleEvent applies a lifecycle event pushed by the node.
	HandleEvent(ctx context.Context, event TrackEvent)

	SetTextChannel(id snowflake.ID)
	SetVoiceChannel(ctx context.Context, id snowflake.ID, opts ConnectOptions) error
	SetAutoPlay(enabled bool)
	SetAutoLeave(enabled bool)

	// Set stores a user value on the player. Values are persisted with the
	// player snapshot.
	Set(key string, value any)
	Get(key string) (any, bool)

	Shuffle()

	// Restart resends the voice state and the current track, used after a node
	// lost its session.
	Restart(ctx context.Context) error

	// MoveNode rebinds the player to another node and resends its voice state
	// and track. On failure the player is left disconnected.
	MoveNode(ctx context.Context, node Node) error

	// Snapshot returns the persistable attributes of the player.
	Snapshot() PlayerSnapshot
}

// Queue is the ordered list of upcoming tracks of a player. Positions are 1-based.
type Queue interface {
	Push(tracks ...Track)
	Shift() (Track, bool)
	Remove(position int) (Track, error)
	Insert(position int, t Track) error
	Shuffle()
	Clear()
	Set(tracks []Track)
	All() []Track
	Size() int
}

// VoiceSender sends voice-gateway join and leave directives. A nil channel
// leaves voice.
type VoiceSender interface {
	UpdateVoiceState(ctx context.Context, guildID snowflake.ID, channelID *snowflake.ID, selfMute bool, selfDeaf bool) error
}

// Resolver resolves queries a node cannot, such as catalogue links, into
// playable tracks.
type Resolver interface {
	// CanResolve reports whether the resolver handles query.
	CanResolve(query SearchQuery) bool

	// Resolve returns tracks for query. node can be used to look up the
	// playable equivalents.
	Resolve(ctx context.Context, node Node, query SearchQuery) (*LoadResult, error)
}

// PlayerStore persists player snapshots.
type PlayerStore interface {
	Save(ctx context.Context, snapshot PlayerSnapshot) error
	Delete(ctx context.Context, guildID snowflake.ID) error
	List(ctx context.Context) ([]PlayerSnapshot, error)
}

// PlayerWrapper decorates players as they are created. The returned Player is
// what the registry hands out.
type PlayerWrapper func(Player) Player
