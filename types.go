package kephaslink

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
)

// TrackInfo is the metadata a node reports for a track.
type TrackInfo struct {
	Identifier string  `json:"identifier"`
	Title      string  `json:"title"`
	Author     string  `json:"author"`
	Length     int64   `json:"length"`
	Position   int64   `json:"position"`
	IsSeekable bool    `json:"isSeekable"`
	IsStream   bool    `json:"isStream"`
	SourceName string  `json:"sourceName"`
	URI        *string `json:"uri,omitempty"`
	ArtworkURL *string `json:"artworkUrl,omitempty"`
	ISRC       *string `json:"isrc,omitempty"`
}

// Duration returns the track length.
func (i TrackInfo) Duration() time.Duration {
	return time.Duration(i.Length) * time.Millisecond
}

// Track is an encoded track payload plus its metadata. Tracks are values and
// are never mutated after they are decoded.
type Track struct {
	Encoded    string          `json:"encoded"`
	Info       TrackInfo       `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
}

// UnmarshalJSON accepts the v4 object form, the v3 object form (which keys the
// payload as "track") and the bare encoded string sent in v3 events.
func (t *Track) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		*t = Track{Encoded: encoded}
		return nil
	}

	var v struct {
		Encoded    string          `json:"encoded"`
		Track      string          `json:"track"`
		Info       TrackInfo       `json:"info"`
		PluginInfo json.RawMessage `json:"pluginInfo"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Encoded == "" {
		v.Encoded = v.Track
	}
	*t = Track{Encoded: v.Encoded, Info: v.Info, PluginInfo: v.PluginInfo}
	return nil
}

// LoadType classifies a search result.
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// Exception is an error reported by a node for a load or a playing track.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause,omitempty"`
}

// PlaylistInfo describes a loaded playlist.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
	Duration      int64  `json:"duration"`
}

// LoadResult is a search or load response normalized across backend versions.
type LoadResult struct {
	LoadType  LoadType      `json:"loadType"`
	Tracks    []Track       `json:"tracks"`
	Playlist  *PlaylistInfo `json:"playlistInfo,omitempty"`
	Exception *Exception    `json:"exception,omitempty"`
}

// Playable reports whether the result carries at least one track.
func (r *LoadResult) Playable() bool {
	if r == nil || len(r.Tracks) == 0 {
		return false
	}
	return r.LoadType != LoadTypeError && r.LoadType != LoadTypeEmpty
}

// NodeStats is the last statistics snapshot pushed by a node.
type NodeStats struct {
	Players        int   `json:"players"`
	PlayingPlayers int   `json:"playingPlayers"`
	Uptime         int64 `json:"uptime"`
	Memory         struct {
		Free       int64 `json:"free"`
		Used       int64 `json:"used"`
		Allocated  int64 `json:"allocated"`
		Reservable int64 `json:"reservable"`
	} `json:"memory"`
	CPU struct {
		Cores        int     `json:"cores"`
		SystemLoad   float64 `json:"systemLoad"`
		LavalinkLoad float64 `json:"lavalinkLoad"`
	} `json:"cpu"`
	FrameStats *struct {
		Sent    int `json:"sent"`
		Nulled  int `json:"nulled"`
		Deficit int `json:"deficit"`
	} `json:"frameStats,omitempty"`
}

// PlaybackState is the position report a node pushes for a guild. It is for
// display only and never drives control decisions.
type PlaybackState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

// VoiceState is the combined voice block sent to a node once both voice
// signals have arrived.
type VoiceState struct {
	Token     string        `json:"token"`
	Endpoint  string        `json:"endpoint"`
	SessionID string        `json:"sessionId"`
	ChannelID *snowflake.ID `json:"channelId,omitempty"`
}

// PlayerPatch is a partial player update. Unset fields are omitted from the
// request; EncodedTrack set to nil clears the remote track.
type PlayerPatch struct {
	EncodedTrack omit.Omit[*string]         `json:"encodedTrack,omitzero"`
	Identifier   omit.Omit[string]          `json:"identifier,omitzero"`
	Position     omit.Omit[int64]           `json:"position,omitzero"`
	EndTime      omit.Omit[*int64]          `json:"endTime,omitzero"`
	Volume       omit.Omit[int]             `json:"volume,omitzero"`
	Paused       omit.Omit[bool]            `json:"paused,omitzero"`
	Filters      omit.Omit[json.RawMessage] `json:"filters,omitzero"`
	Voice        omit.Omit[VoiceState]      `json:"voice,omitzero"`
}

// TrackEndReason says why a track stopped.
type TrackEndReason string

const (
	TrackEndFinished   TrackEndReason = "FINISHED"
	TrackEndLoadFailed TrackEndReason = "LOAD_FAILED"
	TrackEndStopped    TrackEndReason = "STOPPED"
	TrackEndReplaced   TrackEndReason = "REPLACED"
	TrackEndCleanup    TrackEndReason = "CLEANUP"
)

// ParseTrackEndReason normalizes the v3 (FINISHED, LOAD_FAILED, CLEANUP) and
// v4 (finished, loadFailed, cleanup) spellings, as well as CLEAN_UP.
func ParseTrackEndReason(s string) TrackEndReason {
	switch strings.ToUpper(strings.ReplaceAll(s, "_", "")) {
	case "FINISHED":
		return TrackEndFinished
	case "LOADFAILED":
		return TrackEndLoadFailed
	case "STOPPED":
		return TrackEndStopped
	case "REPLACED":
		return TrackEndReplaced
	case "CLEANUP":
		return TrackEndCleanup
	}
	return TrackEndReason(strings.ToUpper(s))
}

// TrackEvent is a lifecycle event pushed by a node for one guild.
type TrackEvent struct {
	Op          string       `json:"op"`
	Type        string       `json:"type"`
	GuildID     snowflake.ID `json:"guildId"`
	Track       *Track       `json:"track,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	ThresholdMs int64        `json:"thresholdMs,omitempty"`
	Exception   *Exception   `json:"exception,omitempty"`
	Code        int          `json:"code,omitempty"`
	ByRemote    bool         `json:"byRemote,omitempty"`
}

// EndReason returns the normalized TrackEndEvent reason.
func (e TrackEvent) EndReason() TrackEndReason {
	return ParseTrackEndReason(e.Reason)
}

// LoopMode controls what happens when a track ends naturally.
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopOff:
		return "off"
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	}
	return "LoopMode(" + strconv.Itoa(int(m)) + ")"
}

// Valid reports whether m is one of the three defined modes.
func (m LoopMode) Valid() bool {
	return m >= LoopOff && m <= LoopQueue
}

// ParseLoopMode accepts off/track/queue or their numeric forms 0/1/2.
func ParseLoopMode(s string) (LoopMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "0":
		return LoopOff, nil
	case "track", "1":
		return LoopTrack, nil
	case "queue", "2":
		return LoopQueue, nil
	}
	return LoopOff, &InvalidArgumentError{Param: "mode", Reason: fmt.Sprintf("%s: %q", ErrInvalidLoopMode, s)}
}

// SortKey selects the load metric used to rank nodes.
type SortKey string

const (
	SortPlayers        SortKey = "players"
	SortPlayingPlayers SortKey = "playingPlayers"
	SortMemory         SortKey = "memory"
	SortCPULavalink    SortKey = "cpuLavalink"
	SortCPUSystem      SortKey = "cpuSystem"
	SortCalls          SortKey = "calls"
)

// NodeState is the connection state of a node session.
type NodeState int

const (
	NodeIdle NodeState = iota
	NodeConnecting
	NodeOpen
	NodeReconnecting
	NodeClosed
)

func (s NodeState) String() string {
	switch s {
	case NodeIdle:
		return "idle"
	case NodeConnecting:
		return "connecting"
	case NodeOpen:
		return "open"
	case NodeReconnecting:
		return "reconnecting"
	case NodeClosed:
		return "closed"
	}
	return "NodeState(" + strconv.Itoa(int(s)) + ")"
}

// PlayerStatus is the coarse state of a player.
type PlayerStatus int

const (
	PlayerDisconnected PlayerStatus = iota
	PlayerConnecting
	PlayerIdle
	PlayerPlaying
	PlayerPaused
)

func (s PlayerStatus) String() string {
	switch s {
	case PlayerDisconnected:
		return "disconnected"
	case PlayerConnecting:
		return "connecting"
	case PlayerIdle:
		return "idle"
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	}
	return "PlayerStatus(" + strconv.Itoa(int(s)) + ")"
}

// NodeConfig describes one backend node.
type NodeConfig struct {
	Identifier string   `json:"identifier,omitempty"`
	Host       string   `json:"host"`
	Port       int      `json:"port,omitempty"`
	Password   string   `json:"password,omitempty"`
	Secure     bool     `json:"secure,omitempty"`
	Regions    []string `json:"regions,omitempty"`

	// RetryAmount is the number of consecutive non-clean closes after which
	// the node gives up. Zero uses DefaultRetryAmount.
	RetryAmount int `json:"retryAmount,omitempty"`
	// RetryDelay is the fixed delay between reconnect attempts.
	RetryDelay time.Duration `json:"-"`
	// ResumeTimeout enables session resuming when positive.
	ResumeTimeout time.Duration `json:"-"`
}

// ID returns the identifier the node is registered under.
func (c NodeConfig) ID() string {
	if c.Identifier != "" {
		return c.Identifier
	}
	if c.Port == 0 {
		return c.Host
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// ConnectOptions are the self mute/deaf flags sent with the voice directive.
type ConnectOptions struct {
	Mute bool
	Deaf bool
}

// CreateOptions describe a new player.
type CreateOptions struct {
	GuildID        snowflake.ID
	TextChannelID  snowflake.ID
	VoiceChannelID snowflake.ID
	// Node pins the player to a node identifier instead of the best ranked one.
	Node     string
	Volume   int
	AutoPlay bool
}

// SearchQuery is a search request. Source is a platform name (youtube,
// youtubemusic, soundcloud) or any custom search prefix.
type SearchQuery struct {
	Query  string
	Source string
}

// PlayerSnapshot is the persisted part of a player. Transient playback
// state is never part of it.
type PlayerSnapshot struct {
	GuildID        snowflake.ID   `json:"guildId"`
	TextChannelID  snowflake.ID   `json:"textChannelId"`
	VoiceChannelID *snowflake.ID  `json:"voiceChannelId,omitempty"`
	Node           string         `json:"node"`
	Volume         int            `json:"volume"`
	Loop           LoopMode       `json:"loop"`
	AutoPlay       bool           `json:"autoPlay"`
	AutoLeave      bool           `json:"autoLeave"`
	Data           map[string]any `json:"data,omitempty"`
}
