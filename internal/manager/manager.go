// Package manager ties nodes and players together: it owns the node set and
// the player registry, routes voice signals and track events, and moves
// players off nodes that die.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/balancer"
	"github.com/luciancaetano/kephaslink/internal/node"
	"github.com/luciancaetano/kephaslink/internal/player"
	"github.com/luciancaetano/kephaslink/internal/rest"
	"github.com/luciancaetano/kephaslink/internal/transport"
)

// TrackHandler receives track lifecycle events together with the id of the
// node that sent them.
type TrackHandler func(ctx context.Context, nodeID string, ev kephaslink.TrackEvent)

// NodeFactory builds a node wired to the manager's handlers.
type NodeFactory func(cfg kephaslink.NodeConfig, listener kephaslink.Listener, onTrack TrackHandler) (kephaslink.Node, error)

// Config configures a Manager.
type Config struct {
	// UserID is the bot user. Voice state updates for other users are ignored.
	UserID     snowflake.ID
	ClientName string

	// SortNode ranks nodes for new players. Defaults to players.
	SortNode        kephaslink.SortKey
	BalanceByRegion bool
	DestroyOnStop   bool
	// DefaultSource is used for searches without a source. Defaults to youtube.
	DefaultSource string

	HTTPClient *http.Client
	RateLimit  *rest.RateLimitConfig
	Transport  transport.Options
	Logger     *zap.Logger

	Voice         kephaslink.VoiceSender
	Store         kephaslink.PlayerStore
	Resolvers     []kephaslink.Resolver
	PlayerWrapper kephaslink.PlayerWrapper

	// NodeFactory overrides node construction. Nil builds WebSocket nodes.
	NodeFactory NodeFactory
}

type entry struct {
	player  *player.Player
	wrapped kephaslink.Player
}

// Manager implements kephaslink.Manager.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	nodes   map[string]kephaslink.Node
	order   []string
	readies map[string]int
	players map[snowflake.ID]*entry
	closed  bool

	listenerMu sync.RWMutex
	listeners  []kephaslink.Listener
}

var _ kephaslink.Manager = (*Manager)(nil)

// New creates a manager without nodes.
func New(cfg Config) *Manager {
	if cfg.SortNode == "" {
		cfg.SortNode = kephaslink.SortPlayers
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = SourceYouTube
	}
	if cfg.ClientName == "" {
		cfg.ClientName = kephaslink.DefaultClientName
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		nodes:   make(map[string]kephaslink.Node),
		readies: make(map[string]int),
		players: make(map[snowflake.ID]*entry),
	}
}

func (m *Manager) AddListener(l kephaslink.Listener) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenerMu.Unlock()
}

func (m *Manager) emit(ev kephaslink.Event) {
	m.listenerMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.listenerMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (m *Manager) newNode(cfg kephaslink.NodeConfig) (kephaslink.Node, error) {
	if m.cfg.NodeFactory != nil {
		return m.cfg.NodeFactory(cfg, m.handleNodeEvent, m.handleTrackEvent)
	}
	return node.New(cfg, node.Options{
		UserID:     m.cfg.UserID,
		ClientName: m.cfg.ClientName,
		Logger:     m.logger,
		HTTPClient: m.cfg.HTTPClient,
		RateLimit:  m.cfg.RateLimit,
		Transport:  m.cfg.Transport,
		Listener:   m.handleNodeEvent,
		OnTrackEvent: func(ctx context.Context, n *node.Node, ev kephaslink.TrackEvent) {
			m.handleTrackEvent(ctx, n.ID(), ev)
		},
	})
}

// AddNode registers a node and connects it. A failed first connect is
// returned but the node stays registered and keeps retrying on its own.
func (m *Manager) AddNode(ctx context.Context, cfg kephaslink.NodeConfig) (kephaslink.Node, error) {
	id := cfg.ID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, kephaslink.ErrConnectionClosed
	}
	if _, ok := m.nodes[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %s", kephaslink.ErrNodeExists, id)
	}
	n, err := m.newNode(cfg)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.nodes[id] = n
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.logger.Info("node added", zap.String("node", id), zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	if err := n.Connect(ctx); err != nil {
		m.logger.Warn("node connect failed", zap.String("node", id), zap.Error(err))
		return n, err
	}
	return n, nil
}

// RemoveNode destroys a node. Its NodeDestroyEvent moves the players
// elsewhere.
func (m *Manager) RemoveNode(ctx context.Context, id string) error {
	n, ok := m.unregister(id, nil)
	if !ok {
		return fmt.Errorf("%s: %s", kephaslink.ErrNodeNotFound, id)
	}
	return n.Destroy(ctx)
}

// unregister drops id from the node set. When want is non-nil the entry is
// only dropped if it is that exact node.
func (m *Manager) unregister(id string, want kephaslink.Node) (kephaslink.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok || (want != nil && n != want) {
		return nil, false
	}
	delete(m.nodes, id)
	delete(m.readies, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	return n, true
}

// SyncNodes adds and removes nodes so the set matches cfgs. A node whose
// configuration changed is replaced.
func (m *Manager) SyncNodes(ctx context.Context, cfgs []kephaslink.NodeConfig) error {
	wanted := make(map[string]kephaslink.NodeConfig, len(cfgs))
	for _, cfg := range cfgs {
		wanted[cfg.ID()] = cfg
	}

	var errs []error
	for _, n := range m.Nodes() {
		cfg, keep := wanted[n.ID()]
		if keep && sameConfig(cfg, n.Config()) {
			delete(wanted, n.ID())
			continue
		}
		if err := m.RemoveNode(ctx, n.ID()); err != nil {
			errs = append(errs, err)
		}
	}

	for _, cfg := range cfgs {
		if _, ok := wanted[cfg.ID()]; !ok {
			continue
		}
		if _, err := m.AddNode(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sameConfig(a, b kephaslink.NodeConfig) bool {
	return a.Host == b.Host &&
		a.Port == b.Port &&
		a.Password == b.Password &&
		a.Secure == b.Secure &&
		slices.Equal(a.Regions, b.Regions)
}

func (m *Manager) Node(id string) (kephaslink.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

// Nodes returns every registered node in registration order.
func (m *Manager) Nodes() []kephaslink.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]kephaslink.Node, 0, len(m.order))
	for _, id := range m.order {
		nodes = append(nodes, m.nodes[id])
	}
	return nodes
}

// SortedNodes ranks the open nodes by key.
func (m *Manager) SortedNodes(key kephaslink.SortKey) ([]kephaslink.Node, error) {
	return balancer.Sort(balancer.Ready(m.Nodes()), key)
}

// BestNode returns the least loaded open node by the configured key.
func (m *Manager) BestNode() (kephaslink.Node, error) {
	return balancer.Best(m.Nodes(), m.cfg.SortNode)
}

// CreatePlayer returns the guild's player, creating it on the best node (or
// the node named in opts) when it does not exist yet.
func (m *Manager) CreatePlayer(ctx context.Context, opts kephaslink.CreateOptions) (kephaslink.Player, error) {
	if opts.GuildID == 0 {
		return nil, &kephaslink.InvalidArgumentError{Param: "guildId", Reason: kephaslink.ErrMissingGuild}
	}
	if p, ok := m.Player(opts.GuildID); ok {
		return p, nil
	}

	var n kephaslink.Node
	if opts.Node != "" {
		var ok bool
		if n, ok = m.Node(opts.Node); !ok {
			return nil, fmt.Errorf("%s: %s", kephaslink.ErrNodeNotFound, opts.Node)
		}
	} else {
		best, err := m.BestNode()
		if err != nil {
			return nil, err
		}
		n = best
	}

	p, err := player.New(player.Options{
		GuildID:        opts.GuildID,
		TextChannelID:  opts.TextChannelID,
		VoiceChannelID: opts.VoiceChannelID,
		Node:           n,
		Volume:         opts.Volume,
		AutoPlay:       opts.AutoPlay,
		Voice:          m.cfg.Voice,
		DestroyOnStop:  m.cfg.DestroyOnStop,
		Logger:         m.logger,
		Listener:       m.emit,
		OnChange:       m.save,
		OnDestroy:      m.forget,
	})
	if err != nil {
		return nil, err
	}

	e := &entry{player: p, wrapped: p}
	if m.cfg.PlayerWrapper != nil {
		e.wrapped = m.cfg.PlayerWrapper(p)
		p.Bind(e.wrapped)
	}

	m.mu.Lock()
	if existing, ok := m.players[opts.GuildID]; ok && !existing.player.Destroyed() {
		m.mu.Unlock()
		return existing.wrapped, nil
	}
	m.players[opts.GuildID] = e
	m.mu.Unlock()

	m.logger.Debug("player created", zap.Stringer("guild", opts.GuildID), zap.String("node", n.ID()))
	m.save(p.Snapshot())
	m.emit(kephaslink.PlayerCreateEvent{Player: e.wrapped})
	return e.wrapped, nil
}

func (m *Manager) entry(guildID snowflake.ID) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.players[guildID]
	if !ok || e.player.Destroyed() {
		return nil, false
	}
	return e, true
}

// Player returns the live player of a guild. Destroyed players are never
// returned.
func (m *Manager) Player(guildID snowflake.ID) (kephaslink.Player, bool) {
	e, ok := m.entry(guildID)
	if !ok {
		return nil, false
	}
	return e.wrapped, true
}

func (m *Manager) Players() []kephaslink.Player {
	m.mu.RLock()
	defer m.mu.RUnlock()

	players := make([]kephaslink.Player, 0, len(m.players))
	for _, e := range m.players {
		if !e.player.Destroyed() {
			players = append(players, e.wrapped)
		}
	}
	return players
}

func (m *Manager) entries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*entry, 0, len(m.players))
	for _, e := range m.players {
		entries = append(entries, e)
	}
	return entries
}

// DestroyPlayer destroys the guild's player if there is one.
func (m *Manager) DestroyPlayer(ctx context.Context, guildID snowflake.ID) error {
	e, ok := m.entry(guildID)
	if !ok {
		return nil
	}
	return e.player.Destroy(ctx)
}

// forget runs after a player destroyed itself.
func (m *Manager) forget(guildID snowflake.ID) {
	m.mu.Lock()
	delete(m.players, guildID)
	m.mu.Unlock()

	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.Delete(context.Background(), guildID); err != nil {
		m.logger.Warn("failed to delete player snapshot", zap.Stringer("guild", guildID), zap.Error(err))
	}
}

func (m *Manager) save(snapshot kephaslink.PlayerSnapshot) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.Save(context.Background(), snapshot); err != nil {
		m.logger.Warn("failed to save player snapshot", zap.Stringer("guild", snapshot.GuildID), zap.Error(err))
	}
}

// HandleVoiceServerUpdate forwards the voice server credential of a guild to
// its player. With region balancing the player first moves to a node that
// serves the endpoint's region.
func (m *Manager) HandleVoiceServerUpdate(ctx context.Context, guildID snowflake.ID, endpoint string, token string) error {
	e, ok := m.entry(guildID)
	if !ok {
		return nil
	}

	if m.cfg.BalanceByRegion {
		if target := m.regionNode(Region(endpoint)); target != nil && target.ID() != e.player.Node().ID() {
			if err := e.player.MoveNode(ctx, target); err != nil {
				m.logger.Warn("region move failed", zap.Stringer("guild", guildID), zap.String("node", target.ID()), zap.Error(err))
			}
		}
	}
	return e.player.OnVoiceServerUpdate(ctx, endpoint, token)
}

// regionNode returns the least loaded open node serving region.
func (m *Manager) regionNode(region string) kephaslink.Node {
	if region == "" {
		return nil
	}
	var candidates []kephaslink.Node
	for _, n := range balancer.Ready(m.Nodes()) {
		if slices.Contains(n.Config().Regions, region) {
			candidates = append(candidates, n)
		}
	}
	sorted, err := balancer.Sort(candidates, m.cfg.SortNode)
	if err != nil {
		return nil
	}
	return sorted[0]
}

// HandleVoiceStateUpdate forwards the bot's own voice state to the guild's
// player.
func (m *Manager) HandleVoiceStateUpdate(ctx context.Context, guildID snowflake.ID, userID snowflake.ID, sessionID string, channelID *snowflake.ID) error {
	if m.cfg.UserID != 0 && userID != m.cfg.UserID {
		return nil
	}
	e, ok := m.entry(guildID)
	if !ok {
		return nil
	}
	return e.player.OnVoiceStateUpdate(ctx, sessionID, channelID)
}

// handleNodeEvent is installed as every node's listener.
func (m *Manager) handleNodeEvent(ev kephaslink.Event) {
	switch ev := ev.(type) {
	case kephaslink.NodeDestroyEvent:
		if _, ok := m.unregister(ev.Node.ID(), ev.Node); ok {
			m.logger.Warn("node gave up", zap.String("node", ev.Node.ID()))
		}
		m.evacuate(context.Background(), ev.Node)

	case kephaslink.NodeReadyEvent:
		m.mu.Lock()
		m.readies[ev.Node.ID()]++
		reconnected := m.readies[ev.Node.ID()] > 1
		m.mu.Unlock()

		if reconnected && !ev.Resumed {
			go m.restartPlayers(context.Background(), ev.Node)
		}
	}
	m.emit(ev)
}

// handleTrackEvent routes a lifecycle event to the player bound to the
// sending node.
func (m *Manager) handleTrackEvent(ctx context.Context, nodeID string, ev kephaslink.TrackEvent) {
	e, ok := m.entry(ev.GuildID)
	if !ok {
		m.logger.Debug("event for unknown player", zap.Stringer("guild", ev.GuildID), zap.String("type", ev.Type))
		return
	}
	if e.player.Node().ID() != nodeID {
		m.logger.Debug("event from stale node", zap.Stringer("guild", ev.GuildID), zap.String("node", nodeID))
		return
	}
	e.player.HandleEvent(ctx, ev)
}

func (m *Manager) boundTo(n kephaslink.Node) []*entry {
	var bound []*entry
	for _, e := range m.entries() {
		if !e.player.Destroyed() && e.player.Node().ID() == n.ID() {
			bound = append(bound, e)
		}
	}
	return bound
}

// restartPlayers replays every player of a node that came back without its
// previous session.
func (m *Manager) restartPlayers(ctx context.Context, n kephaslink.Node) {
	for _, e := range m.boundTo(n) {
		if err := e.player.Restart(ctx); err != nil {
			m.logger.Warn("player restart failed", zap.Stringer("guild", e.player.GuildID()), zap.Error(err))
		}
	}
}

// evacuate moves the players of a dead node to the best remaining node, or
// disconnects them when none is left.
func (m *Manager) evacuate(ctx context.Context, dead kephaslink.Node) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}

	for _, e := range m.boundTo(dead) {
		target, err := m.BestNode()
		if err != nil {
			m.logger.Warn("no node left for player", zap.Stringer("guild", e.player.GuildID()))
			if err := e.player.Disconnect(ctx); err != nil {
				m.logger.Warn("disconnect failed", zap.Stringer("guild", e.player.GuildID()), zap.Error(err))
			}
			continue
		}
		if err := e.player.MoveNode(ctx, target); err != nil {
			m.logger.Warn("player move failed", zap.Stringer("guild", e.player.GuildID()), zap.String("node", target.ID()), zap.Error(err))
		}
	}
}

// Restore recreates the players saved in the store. Players that already
// exist are left alone.
func (m *Manager) Restore(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	snapshots, err := m.cfg.Store.List(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range snapshots {
		if _, ok := m.Player(s.GuildID); ok {
			continue
		}
		opts := kephaslink.CreateOptions{GuildID: s.GuildID, TextChannelID: s.TextChannelID, Volume: s.Volume, AutoPlay: s.AutoPlay}
		if s.VoiceChannelID != nil {
			opts.VoiceChannelID = *s.VoiceChannelID
		}
		if _, ok := m.Node(s.Node); ok {
			opts.Node = s.Node
		}
		if _, err := m.CreatePlayer(ctx, opts); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", s.GuildID, err))
			continue
		}
		if e, ok := m.entry(s.GuildID); ok {
			e.player.Restore(s)
			m.save(e.player.Snapshot())
		}
	}
	return errors.Join(errs...)
}

// Close destroys every node. Players keep their stored snapshots so a new
// manager can Restore them.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, n := range m.Nodes() {
		if err := n.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
		m.unregister(n.ID(), n)
	}
	return errors.Join(errs...)
}
