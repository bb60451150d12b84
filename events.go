package kephaslink

import "github.com/disgoorg/snowflake/v2"

// Event is anything delivered to a Manager listener.
type Event interface {
	EventName() string
}

// Listener receives events. It runs on the goroutine that produced the event
// and must not block for long.
type Listener func(Event)

type (
	// NodeConnectEvent fires when a transport to a node opens.
	NodeConnectEvent struct {
		Node    Node
		Attempt int
	}

	// NodeReadyEvent fires when a node reports its session.
	NodeReadyEvent struct {
		Node      Node
		SessionID string
		Resumed   bool
	}

	// NodeReconnectEvent fires before each reconnect attempt.
	NodeReconnectEvent struct {
		Node    Node
		Attempt int
	}

	// NodeCloseEvent fires whenever a node transport closes.
	NodeCloseEvent struct {
		Node   Node
		Code   int
		Reason string
	}

	// NodeDestroyEvent fires once when a node gives up reconnecting or is removed.
	NodeDestroyEvent struct {
		Node Node
	}

	// NodeErrorEvent reports a non-fatal node anomaly.
	NodeErrorEvent struct {
		Node Node
		Err  error
	}

	// NodeStatsEvent fires when a node pushes statistics.
	NodeStatsEvent struct {
		Node  Node
		Stats NodeStats
	}

	// PlayerUpdateEvent carries a node position report.
	PlayerUpdateEvent struct {
		GuildID snowflake.ID
		State   PlaybackState
	}

	TrackStartEvent struct {
		Player Player
		Track  Track
	}

	TrackEndEvent struct {
		Player Player
		Track  *Track
		Reason TrackEndReason
	}

	TrackStuckEvent struct {
		Player      Player
		Track       *Track
		ThresholdMs int64
	}

	TrackExceptionEvent struct {
		Player    Player
		Track     *Track
		Exception *Exception
	}

	// SocketClosedEvent reports that the node's voice connection closed.
	SocketClosedEvent struct {
		Player   Player
		Code     int
		Reason   string
		ByRemote bool
	}

	QueueEndEvent struct {
		Player Player
		Track  *Track
	}

	PlayerCreateEvent struct {
		Player Player
	}

	PlayerDestroyEvent struct {
		GuildID snowflake.ID
	}

	PlayerDisconnectEvent struct {
		Player Player
	}

	PlayerMoveEvent struct {
		Player Player
		Old    *snowflake.ID
		New    *snowflake.ID
	}

	PlayerStopEvent struct {
		Player Player
		Track  *Track
	}

	PlayerSkipEvent struct {
		Player Player
		From   *Track
		To     *Track
	}

	// DebugEvent reports a non-fatal anomaly that does not affect usability.
	DebugEvent struct {
		Message string
		Err     error
	}
)

func (NodeConnectEvent) EventName() string      { return "nodeConnect" }
func (NodeReadyEvent) EventName() string        { return "nodeReady" }
func (NodeReconnectEvent) EventName() string    { return "nodeReconnect" }
func (NodeCloseEvent) EventName() string        { return "nodeClose" }
func (NodeDestroyEvent) EventName() string      { return "nodeDestroy" }
func (NodeErrorEvent) EventName() string        { return "nodeError" }
func (NodeStatsEvent) EventName() string        { return "nodeStats" }
func (PlayerUpdateEvent) EventName() string     { return "playerUpdate" }
func (TrackStartEvent) EventName() string       { return "trackStart" }
func (TrackEndEvent) EventName() string         { return "trackEnd" }
func (TrackStuckEvent) EventName() string       { return "trackStuck" }
func (TrackExceptionEvent) EventName() string   { return "trackError" }
func (SocketClosedEvent) EventName() string     { return "socketClosed" }
func (QueueEndEvent) EventName() string         { return "queueEnd" }
func (PlayerCreateEvent) EventName() string     { return "playerCreate" }
func (PlayerDestroyEvent) EventName() string    { return "playerDestroy" }
func (PlayerDisconnectEvent) EventName() string { return "playerDisconnect" }
func (PlayerMoveEvent) EventName() string       { return "playerMove" }
func (PlayerStopEvent) EventName() string       { return "playerStop" }
func (PlayerSkipEvent) EventName() string       { return "playerSkip" }
func (DebugEvent) EventName() string            { return "debug" }
