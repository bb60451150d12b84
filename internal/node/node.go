package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/rest"
	"github.com/luciancaetano/kephaslink/internal/transport"
)

// DefaultRetryDelay is the pause between reconnect attempts.
const DefaultRetryDelay = 30 * time.Second

// TrackEventFn receives lifecycle events in the order the node sent them.
type TrackEventFn func(ctx context.Context, n *Node, ev kephaslink.TrackEvent)

// Options are the settings shared by every node of a manager.
type Options struct {
	UserID     snowflake.ID
	ClientName string
	Logger     *zap.Logger
	HTTPClient *http.Client
	RateLimit  *rest.RateLimitConfig
	Transport  transport.Options
	// Listener receives node events. Can be nil.
	Listener kephaslink.Listener
	// OnTrackEvent receives "event" messages. Can be nil.
	OnTrackEvent TrackEventFn
}

// Node implements kephaslink.Node
type Node struct {
	cfg    kephaslink.NodeConfig
	opts   Options
	logger *zap.Logger
	rest   *rest.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     kephaslink.NodeState
	sessionID string
	resumed   bool
	version   kephaslink.Version
	stats     kephaslink.NodeStats
	attempts  int
	timer     *time.Timer
	conn      *transport.Conn
	// gen identifies the current transport; events from older ones are dropped.
	gen     int
	players map[snowflake.ID]kephaslink.PlaybackState

	destroyOnce sync.Once
}

var _ kephaslink.Node = (*Node)(nil)

// New creates an idle node. Nothing is dialed until Connect.
func New(cfg kephaslink.NodeConfig, opts Options) (*Node, error) {
	if cfg.Host == "" {
		return nil, &kephaslink.InvalidArgumentError{Param: "host", Reason: "must not be empty"}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, &kephaslink.InvalidArgumentError{Param: "port", Reason: fmt.Sprintf("%d out of range", cfg.Port)}
	}
	if cfg.RetryAmount <= 0 {
		cfg.RetryAmount = kephaslink.DefaultRetryAmount
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if opts.ClientName == "" {
		opts.ClientName = kephaslink.DefaultClientName
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	logger := opts.Logger.With(zap.String("node", cfg.ID()))
	opts.Transport.Logger = logger

	client, err := rest.New(rest.Config{
		BaseURL:    httpOrigin(cfg),
		Password:   cfg.Password,
		HTTPClient: opts.HTTPClient,
		RateLimit:  opts.RateLimit,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		rest:    client,
		ctx:     ctx,
		cancel:  cancel,
		state:   kephaslink.NodeIdle,
		players: make(map[snowflake.ID]kephaslink.PlaybackState),
	}, nil
}

func hostPort(cfg kephaslink.NodeConfig) string {
	if cfg.Port == 0 {
		return cfg.Host
	}
	return cfg.Host + ":" + strconv.Itoa(cfg.Port)
}

func httpOrigin(cfg kephaslink.NodeConfig) string {
	if cfg.Secure {
		return "https://" + hostPort(cfg)
	}
	return "http://" + hostPort(cfg)
}

func wsOrigin(cfg kephaslink.NodeConfig) string {
	if cfg.Secure {
		return "wss://" + hostPort(cfg)
	}
	return "ws://" + hostPort(cfg)
}

// ID returns the node identifier, host:port unless configured.
func (n *Node) ID() string { return n.cfg.ID() }

// Config returns the configuration the node was built with.
func (n *Node) Config() kephaslink.NodeConfig { return n.cfg }

// Calls returns the number of REST requests sent so far.
func (n *Node) Calls() int64 { return n.rest.Calls() }

// State returns the current connection state.
func (n *Node) State() kephaslink.NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SessionID returns the session assigned by the last ready message.
func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

// Resumed reports whether the last ready resumed a previous session.
func (n *Node) Resumed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.resumed
}

// Version returns the backend version from the last probe.
func (n *Node) Version() kephaslink.Version {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.version
}

// legacy reports whether the detected backend predates the session routes.
// It is false until a version has been detected.
func (n *Node) legacy() bool {
	v := n.Version()
	return v != (kephaslink.Version{}) && v.Legacy()
}

// Stats returns the last reported load statistics.
func (n *Node) Stats() kephaslink.NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

// Attempts returns the number of consecutive failed connections.
func (n *Node) Attempts() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attempts
}

// PlaybackState returns the last reported playback state of a guild.
func (n *Node) PlaybackState(guildID snowflake.ID) (kephaslink.PlaybackState, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.players[guildID]
	return s, ok
}

func (n *Node) emit(ev kephaslink.Event) {
	if n.opts.Listener != nil {
		n.opts.Listener(ev)
	}
}

// Connect probes the backend version and opens the WebSocket channel. A
// failure counts as a close and schedules a reconnect like any other.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case kephaslink.NodeClosed:
		n.mu.Unlock()
		return fmt.Errorf("%s: %s", kephaslink.ErrConnectionClosedMsg, n.ID())
	case kephaslink.NodeConnecting, kephaslink.NodeOpen:
		n.mu.Unlock()
		return nil
	}
	n.stopTimerLocked()
	n.state = kephaslink.NodeConnecting
	n.gen++
	gen := n.gen
	n.mu.Unlock()

	if err := n.open(ctx, gen); err != nil {
		n.onClose(gen, kephaslink.CloseAbnormalClosure, err.Error())
		return err
	}
	return nil
}

func (n *Node) reconnect() {
	n.mu.Lock()
	if n.state != kephaslink.NodeReconnecting {
		n.mu.Unlock()
		return
	}
	n.timer = nil
	n.state = kephaslink.NodeConnecting
	n.gen++
	gen := n.gen
	attempt := n.attempts
	n.mu.Unlock()

	n.logger.Info("reconnecting", zap.Int("attempt", attempt))
	n.emit(kephaslink.NodeReconnectEvent{Node: n, Attempt: attempt})

	if err := n.open(n.ctx, gen); err != nil {
		n.onClose(gen, kephaslink.CloseAbnormalClosure, err.Error())
	}
}

func (n *Node) open(ctx context.Context, gen int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(n.ctx, cancel)
	defer stop()

	raw, err := n.rest.Text(ctx, "/version")
	if err != nil {
		n.logger.Warn("version probe failed", zap.Error(err))
		return err
	}
	version, err := kephaslink.ParseVersion(raw)
	if err != nil {
		version = kephaslink.Version{Major: 4}
		n.emit(kephaslink.DebugEvent{Message: fmt.Sprintf("node %s reported version %q, assuming %s", n.ID(), raw, version), Err: err})
	}

	n.mu.Lock()
	n.version = version
	sessionID := n.sessionID
	n.mu.Unlock()

	header := http.Header{}
	if n.cfg.Password != "" {
		header.Set(kephaslink.HeaderAuthorization, n.cfg.Password)
	}
	header.Set(kephaslink.HeaderUserID, n.opts.UserID.String())
	header.Set(kephaslink.HeaderClientName, n.opts.ClientName)
	if sessionID != "" && n.cfg.ResumeTimeout > 0 {
		header.Set(kephaslink.HeaderSessionID, sessionID)
	}

	wsURL := wsOrigin(n.cfg) + version.RoutePrefix() + "/websocket"
	n.logger.Debug("dialing", zap.String("url", wsURL), zap.Stringer("version", version))

	conn, err := transport.Dial(ctx, wsURL, header, n.opts.Transport)
	if err != nil {
		n.logger.Warn("websocket handshake failed", zap.Error(err))
		return err
	}

	n.mu.Lock()
	if gen != n.gen || n.state == kephaslink.NodeClosed {
		n.mu.Unlock()
		go drain(conn)
		conn.Close(context.Background(), kephaslink.CloseNormalClosure, kephaslink.DestroyReason)
		return kephaslink.ErrConnectionClosed
	}
	n.conn = conn
	n.mu.Unlock()

	go n.consume(gen, conn)
	return nil
}

func drain(conn *transport.Conn) {
	for range conn.Events() {
	}
}

// consume is the single goroutine that handles every event of one transport.
func (n *Node) consume(gen int, conn *transport.Conn) {
	for ev := range conn.Events() {
		switch ev.Type {
		case transport.EventOpen:
			n.emit(kephaslink.NodeConnectEvent{Node: n, Attempt: n.Attempts()})
			// Backends without session routes never send ready.
			if n.legacy() {
				n.ready("", false)
			}
		case transport.EventMessage:
			n.dispatch(ev.Data)
		case transport.EventError:
			n.logger.Warn("transport error", zap.Error(ev.Err))
			n.emit(kephaslink.NodeErrorEvent{Node: n, Err: ev.Err})
		case transport.EventClose:
			n.onClose(gen, ev.Code, ev.Reason)
		}
	}
}

func (n *Node) onClose(gen int, code int, reason string) {
	n.mu.Lock()
	if gen != n.gen {
		n.mu.Unlock()
		return
	}
	n.conn = nil
	if n.state == kephaslink.NodeClosed {
		n.mu.Unlock()
		return
	}

	deliberate := code == kephaslink.CloseNormalClosure && reason == kephaslink.DestroyReason
	if !deliberate {
		n.attempts++
	}
	attempts := n.attempts
	terminal := deliberate || attempts >= n.cfg.RetryAmount
	if terminal {
		n.state = kephaslink.NodeClosed
		n.stopTimerLocked()
	} else {
		n.state = kephaslink.NodeReconnecting
		n.timer = time.AfterFunc(n.cfg.RetryDelay, n.reconnect)
	}
	n.mu.Unlock()

	n.logger.Info("connection closed",
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
		zap.Bool("terminal", terminal),
	)
	n.emit(kephaslink.NodeCloseEvent{Node: n, Code: code, Reason: reason})
	if terminal {
		n.cancel()
		n.emitDestroy()
	}
}

func (n *Node) emitDestroy() {
	n.destroyOnce.Do(func() {
		n.emit(kephaslink.NodeDestroyEvent{Node: n})
	})
}

// stopTimerLocked cancels a pending reconnect. n.mu must be held.
func (n *Node) stopTimerLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

// Destroy closes the node with (1000, "destroy"). It never reconnects
// afterwards and emits a NodeDestroyEvent once.
func (n *Node) Destroy(ctx context.Context) error {
	n.mu.Lock()
	if n.state == kephaslink.NodeClosed {
		n.mu.Unlock()
		n.emitDestroy()
		return nil
	}
	n.state = kephaslink.NodeClosed
	n.stopTimerLocked()
	conn := n.conn
	n.conn = nil
	n.gen++
	n.mu.Unlock()

	n.cancel()
	if conn != nil {
		conn.Close(ctx, kephaslink.CloseNormalClosure, kephaslink.DestroyReason)
	}
	n.logger.Info("destroyed")
	n.emitDestroy()
	return nil
}

func (n *Node) dispatch(data []byte) {
	var head struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		n.emit(kephaslink.NodeErrorEvent{Node: n, Err: &kephaslink.ProtocolError{Reason: kephaslink.ErrInvalidPayload, Err: err}})
		return
	}

	switch head.Op {
	case "":
		return
	case kephaslink.OpReady:
		n.handleReady(data)
	case kephaslink.OpStats:
		var stats kephaslink.NodeStats
		if err := json.Unmarshal(data, &stats); err != nil {
			n.payloadError(head.Op, err)
			return
		}
		n.mu.Lock()
		n.stats = stats
		n.mu.Unlock()
		n.emit(kephaslink.NodeStatsEvent{Node: n, Stats: stats})
	case kephaslink.OpPlayerUpdate:
		var m struct {
			GuildID snowflake.ID             `json:"guildId"`
			State   kephaslink.PlaybackState `json:"state"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			n.payloadError(head.Op, err)
			return
		}
		n.mu.Lock()
		n.players[m.GuildID] = m.State
		n.mu.Unlock()
		n.emit(kephaslink.PlayerUpdateEvent{GuildID: m.GuildID, State: m.State})
	case kephaslink.OpEvent:
		var ev kephaslink.TrackEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			n.payloadError(head.Op, err)
			return
		}
		if n.opts.OnTrackEvent != nil {
			n.opts.OnTrackEvent(n.ctx, n, ev)
		}
	default:
		n.logger.Warn("unexpected op", zap.String("op", head.Op))
		n.emit(kephaslink.NodeErrorEvent{Node: n, Err: kephaslink.NewProtocolError("%s %q", kephaslink.ErrUnexpectedOp, head.Op)})
	}
}

func (n *Node) payloadError(op string, err error) {
	n.emit(kephaslink.NodeErrorEvent{Node: n, Err: &kephaslink.ProtocolError{
		Reason: fmt.Sprintf("%s: %s", kephaslink.ErrInvalidPayload, op),
		Err:    err,
	}})
}

func (n *Node) handleReady(data []byte) {
	var m struct {
		SessionID string `json:"sessionId"`
		Resumed   bool   `json:"resumed"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		n.payloadError(kephaslink.OpReady, err)
		return
	}
	n.ready(m.SessionID, m.Resumed)
}

func (n *Node) ready(sessionID string, resumed bool) {
	n.mu.Lock()
	n.sessionID = sessionID
	n.resumed = resumed
	if n.state == kephaslink.NodeConnecting {
		n.state = kephaslink.NodeOpen
	}
	n.stopTimerLocked()
	n.attempts = 0
	if !resumed {
		clear(n.players)
	}
	version := n.version
	n.mu.Unlock()

	n.logger.Info("ready", zap.String("session", sessionID), zap.Bool("resumed", resumed))

	if n.cfg.ResumeTimeout > 0 && !version.Legacy() {
		go n.configureResuming(sessionID, version)
	}
	n.emit(kephaslink.NodeReadyEvent{Node: n, SessionID: sessionID, Resumed: resumed})
}

func (n *Node) configureResuming(sessionID string, version kephaslink.Version) {
	body := map[string]any{"timeout": int(n.cfg.ResumeTimeout / time.Second)}
	if version.RoutePrefix() == "/v4" {
		body["resuming"] = true
	} else {
		body["resumingKey"] = sessionID
	}

	path := version.RoutePrefix() + "/sessions/" + url.PathEscape(sessionID)
	if err := n.rest.Do(n.ctx, http.MethodPatch, path, nil, body, nil); err != nil {
		n.logger.Warn("failed to enable resuming", zap.Error(err))
		n.emit(kephaslink.NodeErrorEvent{Node: n, Err: err})
	}
}
