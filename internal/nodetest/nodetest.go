// Package nodetest provides an in-memory kephaslink.Node for tests.
//
// The fake records every player update as the decoded JSON object the
// backend would have received, so tests assert on wire fields rather than
// on Go values.
package nodetest

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/disgoorg/snowflake/v2"

	"github.com/luciancaetano/kephaslink"
)

// Update is one recorded UpdatePlayer call.
type Update struct {
	GuildID snowflake.ID
	Fields  map[string]any
}

// Has reports whether the update carried the field.
func (u Update) Has(field string) bool {
	_, ok := u.Fields[field]
	return ok
}

// Track returns the encodedTrack field. ok is false when the field is absent;
// cleared reports an explicit null.
func (u Update) Track() (encoded string, cleared bool, ok bool) {
	v, ok := u.Fields["encodedTrack"]
	if !ok {
		return "", false, false
	}
	if v == nil {
		return "", true, true
	}
	s, _ := v.(string)
	return s, false, true
}

// Node is a scripted kephaslink.Node. The zero value is not usable; call New.
type Node struct {
	id    string
	calls atomic.Int64

	mu        sync.Mutex
	cfg       kephaslink.NodeConfig
	state     kephaslink.NodeState
	stats     kephaslink.NodeStats
	version   kephaslink.Version
	updates   []Update
	destroyed []snowflake.ID
	loads     []string
	decoded   map[string]kephaslink.Track
	results   map[string]*kephaslink.LoadResult
	failNext  error
	failAll   error
	playback  map[snowflake.ID]kephaslink.PlaybackState
	listener  kephaslink.Listener
	gone      bool
}

// New returns an open fake node.
func New(id string) *Node {
	return &Node{
		id:       id,
		cfg:      kephaslink.NodeConfig{Identifier: id, Host: "localhost", Port: 2333},
		state:    kephaslink.NodeOpen,
		version:  kephaslink.Version{Major: 4},
		decoded:  make(map[string]kephaslink.Track),
		results:  make(map[string]*kephaslink.LoadResult),
		playback: make(map[snowflake.ID]kephaslink.PlaybackState),
	}
}

// SetState changes the reported connection state.
func (n *Node) SetState(s kephaslink.NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// SetStats replaces the reported statistics.
func (n *Node) SetStats(s kephaslink.NodeStats) {
	n.mu.Lock()
	n.stats = s
	n.mu.Unlock()
}

// SetConfig replaces the reported configuration.
func (n *Node) SetConfig(cfg kephaslink.NodeConfig) {
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
}

// AddCalls bumps the call counter.
func (n *Node) AddCalls(delta int64) { n.calls.Add(delta) }

// FailNext makes the next RPC return err.
func (n *Node) FailNext(err error) {
	n.mu.Lock()
	n.failNext = err
	n.mu.Unlock()
}

// FailAll makes every RPC return err until called with nil.
func (n *Node) FailAll(err error) {
	n.mu.Lock()
	n.failAll = err
	n.mu.Unlock()
}

// AddDecoded registers the result of DecodeTrack for an encoded payload.
func (n *Node) AddDecoded(t kephaslink.Track) {
	n.mu.Lock()
	n.decoded[t.Encoded] = t
	n.mu.Unlock()
}

// AddResult registers the result of LoadTracks for an identifier.
func (n *Node) AddResult(identifier string, r *kephaslink.LoadResult) {
	n.mu.Lock()
	n.results[identifier] = r
	n.mu.Unlock()
}

// SetPlayback stores a position report.
func (n *Node) SetPlayback(guildID snowflake.ID, s kephaslink.PlaybackState) {
	n.mu.Lock()
	n.playback[guildID] = s
	n.mu.Unlock()
}

// Updates returns the recorded player updates.
func (n *Node) Updates() []Update {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Update(nil), n.updates...)
}

// LastUpdate returns the most recent player update.
func (n *Node) LastUpdate() (Update, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.updates) == 0 {
		return Update{}, false
	}
	return n.updates[len(n.updates)-1], true
}

// Destroyed returns the guilds passed to DestroyPlayer.
func (n *Node) Destroyed() []snowflake.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]snowflake.ID(nil), n.destroyed...)
}

// Loads returns the identifiers passed to LoadTracks.
func (n *Node) Loads() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.loads...)
}

func (n *Node) fail() error {
	n.calls.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAll != nil {
		return n.failAll
	}
	err := n.failNext
	n.failNext = nil
	return err
}

func (n *Node) ID() string { return n.id }

func (n *Node) Config() kephaslink.NodeConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

func (n *Node) State() kephaslink.NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) SessionID() string { return "fake-" + n.id }

func (n *Node) Version() kephaslink.Version {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version
}

func (n *Node) Stats() kephaslink.NodeStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Node) Calls() int64 { return n.calls.Load() }

func (n *Node) Attempts() int { return 0 }

func (n *Node) PlaybackState(guildID snowflake.ID) (kephaslink.PlaybackState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.playback[guildID]
	return s, ok
}

func (n *Node) Connect(context.Context) error {
	n.SetState(kephaslink.NodeOpen)
	return nil
}

// SetListener installs the listener that receives the NodeDestroyEvent.
func (n *Node) SetListener(l kephaslink.Listener) {
	n.mu.Lock()
	n.listener = l
	n.mu.Unlock()
}

// Destroy closes the node and emits a NodeDestroyEvent once, as a real node
// does.
func (n *Node) Destroy(context.Context) error {
	n.mu.Lock()
	n.state = kephaslink.NodeClosed
	l := n.listener
	first := !n.gone
	n.gone = true
	n.mu.Unlock()

	if l != nil && first {
		l(kephaslink.NodeDestroyEvent{Node: n})
	}
	return nil
}

func (n *Node) UpdatePlayer(_ context.Context, guildID snowflake.ID, patch kephaslink.PlayerPatch) error {
	if err := n.fail(); err != nil {
		return err
	}

	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	n.mu.Lock()
	n.updates = append(n.updates, Update{GuildID: guildID, Fields: fields})
	n.mu.Unlock()
	return nil
}

func (n *Node) DestroyPlayer(_ context.Context, guildID snowflake.ID) error {
	if err := n.fail(); err != nil {
		return err
	}
	n.mu.Lock()
	n.destroyed = append(n.destroyed, guildID)
	n.mu.Unlock()
	return nil
}

func (n *Node) DecodeTrack(_ context.Context, encoded string) (*kephaslink.Track, error) {
	if err := n.fail(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.decoded[encoded]
	if !ok {
		return nil, &kephaslink.RPCError{Method: "GET", Path: "/v4/decodetrack", Status: 400, Message: "invalid track"}
	}
	return &t, nil
}

func (n *Node) LoadTracks(_ context.Context, identifier string) (*kephaslink.LoadResult, error) {
	if err := n.fail(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loads = append(n.loads, identifier)
	if r, ok := n.results[identifier]; ok {
		return r, nil
	}
	return &kephaslink.LoadResult{LoadType: kephaslink.LoadTypeEmpty}, nil
}

func (n *Node) Request(context.Context, string, string, url.Values, any, any) error {
	return n.fail()
}

// ErrFake is a convenience error for FailNext and FailAll.
var ErrFake = errors.New("nodetest: scripted failure")

var _ kephaslink.Node = (*Node)(nil)
