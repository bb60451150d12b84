package kephaslink

// Inbound control message kinds sent by a node over the WebSocket channel.
const (
	OpReady        = "ready"
	OpStats        = "stats"
	OpPlayerUpdate = "playerUpdate"
	OpEvent        = "event"
)

// Legacy outbound WebSocket ops understood by backends older than 3.7.
const (
	OpVoiceUpdate = "voiceUpdate"
	OpPlay        = "play"
	OpStop        = "stop"
	OpPause       = "pause"
	OpSeek        = "seek"
	OpVolume      = "volume"
	OpFilters     = "filters"
	OpDestroy     = "destroy"
)

// Track lifecycle event types carried by an OpEvent message.
const (
	EventTrackStart      = "TrackStartEvent"
	EventTrackEnd        = "TrackEndEvent"
	EventTrackStuck      = "TrackStuckEvent"
	EventTrackException  = "TrackExceptionEvent"
	EventWebSocketClosed = "WebSocketClosedEvent"
)

// WebSocket close codes used by the transport.
const (
	CloseNormalClosure   = 1000
	CloseProtocolError   = 1002
	CloseNoStatus        = 1005
	CloseAbnormalClosure = 1006
)

// DestroyReason is the close reason that marks a deliberate local teardown.
// A close with CloseNormalClosure and this reason never triggers a reconnect.
const DestroyReason = "destroy"

// Handshake header names sent to every node.
const (
	HeaderAuthorization = "Authorization"
	HeaderUserID        = "User-Id"
	HeaderClientName    = "Client-Name"
	HeaderSessionID     = "Session-Id"
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidFrame       = "invalid frame"
	ErrInvalidHandshake   = "invalid handshake"
	ErrMessageTooLarge    = "message exceeds maximum size"
	ErrUnexpectedOp       = "unexpected op"
	ErrUnknownEvent       = "unknown event"
	ErrInvalidPayload     = "invalid payload"
	ErrUnsupportedVersion = "unsupported backend version"

	// Connection errors
	ErrConnectionClosedMsg = "connection is closed"
	ErrContextCancelled    = "context cancelled"
	ErrFailedToEncode      = "failed to encode message"
	ErrNoSession           = "node has no session"
	ErrNodeNotFound        = "node not found"
	ErrNodeExists          = "node already registered"

	// Player errors
	ErrNotPlaying       = "player is not playing"
	ErrNoCurrentTrack   = "player has no current track"
	ErrNotSeekable      = "track is a non-seekable stream"
	ErrPositionTooLarge = "position exceeds track duration"
	ErrInvalidLoopMode  = "invalid loop mode"
	ErrInvalidVolume    = "volume out of range"
	ErrFailedToStop     = "failed to stop track"
	ErrMissingGuild     = "guild id is required"
)

// Default values shared by the facade and the internal packages.
const (
	DefaultClientName     = "kephaslink/1.0"
	DefaultVolume         = 80
	MaxVolume             = 1000
	DefaultRetryAmount    = 5
	DefaultMaxMessageSize = 10 * 1024 * 1024 // 10MB
)
