// Package player implements the per-guild playback state machine.
//
// A Player serializes every mutation behind its own mutex, which stays held
// across the node call that backs the mutation. Events produced while the
// lock is held are queued and delivered once it is released, so listeners
// may call back into the player.
package player

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaslink"
)

// Options configures a Player.
type Options struct {
	GuildID        snowflake.ID
	TextChannelID  snowflake.ID
	VoiceChannelID snowflake.ID
	Node           kephaslink.Node
	Volume         int
	AutoPlay       bool

	// Voice sends gateway voice directives. A nil sender makes Connect and
	// Disconnect purely local.
	Voice kephaslink.VoiceSender

	// DestroyOnStop lets Stop(ctx, true) destroy the player instead of only
	// clearing its queue.
	DestroyOnStop bool

	Logger   *zap.Logger
	Listener kephaslink.Listener

	// OnChange receives a snapshot whenever a persisted attribute changes.
	OnChange func(kephaslink.PlayerSnapshot)

	// OnDestroy is called once after a successful Destroy, before the
	// PlayerDestroyEvent is delivered.
	OnDestroy func(guildID snowflake.ID)
}

// voiceCredential holds the two halves of a voice connection. Both are kept
// for the life of the connection so they can be replayed on another node.
type voiceCredential struct {
	endpoint  string
	token     string
	sessionID string
}

func (v voiceCredential) complete() bool {
	return v.endpoint != "" && v.token != "" && v.sessionID != ""
}

// Player is the playback controller of one guild.
type Player struct {
	guildID snowflake.ID
	opts    Options
	logger  *zap.Logger
	queue   *Queue

	mu      sync.Mutex
	pending []func()
	self    kephaslink.Player

	node         kephaslink.Node
	textChannel  snowflake.ID
	voiceChannel *snowflake.ID
	connectOpts  kephaslink.ConnectOptions
	voice        voiceCredential
	sentVoice    voiceCredential
	connected    bool
	playing      bool
	paused       bool
	destroyed    bool
	loop         kephaslink.LoopMode
	autoPlay     bool
	autoLeave    bool
	volume       int
	current      *kephaslink.Track
	previous     *kephaslink.Track
	data         map[string]any
}

// New returns a disconnected player bound to opts.Node.
func New(opts Options) (*Player, error) {
	if opts.GuildID == 0 {
		return nil, &kephaslink.InvalidArgumentError{Param: "guildId", Reason: kephaslink.ErrMissingGuild}
	}
	if opts.Node == nil {
		return nil, kephaslink.ErrNoAvailableNode
	}
	if opts.Volume == 0 {
		opts.Volume = kephaslink.DefaultVolume
	}
	if opts.Volume < 0 || opts.Volume > kephaslink.MaxVolume {
		return nil, &kephaslink.InvalidArgumentError{Param: "volume", Reason: kephaslink.ErrInvalidVolume}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Player{
		guildID:     opts.GuildID,
		opts:        opts,
		logger:      opts.Logger.With(zap.Stringer("guild", opts.GuildID)),
		queue:       NewQueue(),
		node:        opts.Node,
		textChannel: opts.TextChannelID,
		autoPlay:    opts.AutoPlay,
		volume:      opts.Volume,
		data:        make(map[string]any),
	}
	if opts.VoiceChannelID != 0 {
		id := opts.VoiceChannelID
		p.voiceChannel = &id
	}
	p.self = p
	return p, nil
}

// Bind sets the value carried in events as the emitting player. Managers
// that decorate players bind the decorated value.
func (p *Player) Bind(self kephaslink.Player) {
	p.mu.Lock()
	p.self = self
	p.mu.Unlock()
}

// Restore applies the persisted attributes of a snapshot.
func (p *Player) Restore(s kephaslink.PlayerSnapshot) {
	p.mu.Lock()
	p.textChannel = s.TextChannelID
	if s.VoiceChannelID != nil {
		id := *s.VoiceChannelID
		p.voiceChannel = &id
	}
	if s.Volume > 0 && s.Volume <= kephaslink.MaxVolume {
		p.volume = s.Volume
	}
	if s.Loop.Valid() {
		p.loop = s.Loop
	}
	p.autoPlay = s.AutoPlay
	p.autoLeave = s.AutoLeave
	maps.Copy(p.data, s.Data)
	p.mu.Unlock()
}

// unlockAndFlush releases p.mu and runs the work queued while it was held.
func (p *Player) unlockAndFlush() {
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// emitLocked queues an event for delivery after unlock.
func (p *Player) emitLocked(ev kephaslink.Event) {
	if p.opts.Listener == nil {
		return
	}
	listener := p.opts.Listener
	p.pending = append(p.pending, func() { listener(ev) })
}

func (p *Player) debugLocked(msg string, err error) {
	p.logger.Debug(msg, zap.Error(err))
	p.emitLocked(kephaslink.DebugEvent{Message: fmt.Sprintf("player %s: %s", p.guildID, msg), Err: err})
}

// persistLocked queues a snapshot for the change hook.
func (p *Player) persistLocked() {
	if p.opts.OnChange == nil || p.destroyed {
		return
	}
	snapshot := p.snapshotLocked()
	onChange := p.opts.OnChange
	p.pending = append(p.pending, func() { onChange(snapshot) })
}

// GuildID returns the guild the player belongs to.
func (p *Player) GuildID() snowflake.ID { return p.guildID }

// Queue returns the player queue.
func (p *Player) Queue() kephaslink.Queue { return p.queue }

// Node returns the node the player is bound to.
func (p *Player) Node() kephaslink.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// State summarizes the player flags.
func (p *Player) State() kephaslink.PlayerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.connected:
		return kephaslink.PlayerDisconnected
	case p.sentVoice == (voiceCredential{}):
		return kephaslink.PlayerConnecting
	case p.paused:
		return kephaslink.PlayerPaused
	case p.playing:
		return kephaslink.PlayerPlaying
	default:
		return kephaslink.PlayerIdle
	}
}

// Connected reports whether the voice connection is up or requested.
func (p *Player) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Playing reports whether a track is playing.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Paused reports whether playback is paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Destroyed reports whether the player was destroyed.
func (p *Player) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Current returns a copy of the playing track, or nil.
func (p *Player) Current() *kephaslink.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneTrack(p.current)
}

// Previous returns a copy of the last finished track, or nil.
func (p *Player) Previous() *kephaslink.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneTrack(p.previous)
}

// Volume returns the volume, 0 to 1000.
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Loop returns the loop mode.
func (p *Player) Loop() kephaslink.LoopMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loop
}

// AutoPlay reports whether related tracks are queued when the queue ends.
func (p *Player) AutoPlay() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoPlay
}

// AutoLeave reports whether the player is destroyed when the queue ends.
func (p *Player) AutoLeave() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoLeave
}

// TextChannelID returns the text channel for announcements.
func (p *Player) TextChannelID() snowflake.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.textChannel
}

// VoiceChannelID returns the voice channel, or nil when not in one.
func (p *Player) VoiceChannelID() *snowflake.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneID(p.voiceChannel)
}

// Position estimates the playback position from the last node report. It
// is for display only.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	node, playing, current := p.node, p.playing, p.current
	p.mu.Unlock()

	state, ok := node.PlaybackState(p.guildID)
	if !ok {
		return 0
	}
	pos := state.Position
	if playing && state.Time > 0 {
		if elapsed := time.Now().UnixMilli() - state.Time; elapsed > 0 {
			pos += elapsed
		}
	}
	if current != nil && !current.Info.IsStream && current.Info.Length > 0 && pos > current.Info.Length {
		pos = current.Info.Length
	}
	return time.Duration(pos) * time.Millisecond
}

func (p *Player) checkLocked() error {
	if p.destroyed {
		return kephaslink.ErrPlayerDestroyed
	}
	return nil
}

// Connect asks the gateway to join the voice channel. The node is not
// contacted until both voice signals have arrived.
func (p *Player) Connect(ctx context.Context, opts kephaslink.ConnectOptions) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	return p.connectLocked(ctx, opts)
}

func (p *Player) connectLocked(ctx context.Context, opts kephaslink.ConnectOptions) error {
	if p.voiceChannel == nil {
		return &kephaslink.InvalidStateError{Op: "connect", Reason: "no voice channel set"}
	}
	if p.opts.Voice != nil {
		if err := p.opts.Voice.UpdateVoiceState(ctx, p.guildID, cloneID(p.voiceChannel), opts.Mute, opts.Deaf); err != nil {
			return err
		}
	}
	p.connected = true
	p.connectOpts = opts
	p.logger.Debug("voice connect requested", zap.Stringer("channel", *p.voiceChannel))
	return nil
}

// Disconnect asks the gateway to leave the voice channel.
func (p *Player) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	if p.opts.Voice != nil {
		if err := p.opts.Voice.UpdateVoiceState(ctx, p.guildID, nil, false, false); err != nil {
			return err
		}
	}
	p.disconnectedLocked()
	p.persistLocked()
	return nil
}

// disconnectedLocked drops every piece of connection state.
func (p *Player) disconnectedLocked() {
	wasConnected := p.connected
	p.connected = false
	p.playing = false
	p.paused = false
	p.voiceChannel = nil
	p.voice = voiceCredential{}
	p.sentVoice = voiceCredential{}
	if wasConnected {
		p.emitLocked(kephaslink.PlayerDisconnectEvent{Player: p.self})
	}
}

// OnVoiceServerUpdate stores the voice server credential and joins when the
// session half is also known.
func (p *Player) OnVoiceServerUpdate(ctx context.Context, endpoint string, token string) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	p.voice.endpoint = endpoint
	p.voice.token = token
	return p.attemptConnectionLocked(ctx, false)
}

// OnVoiceStateUpdate stores the voice session half. A nil channel means the
// bot was disconnected from voice.
func (p *Player) OnVoiceStateUpdate(ctx context.Context, sessionID string, channelID *snowflake.ID) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	if channelID == nil {
		return p.voiceChannelLeftLocked(ctx)
	}

	if p.voiceChannel == nil || *p.voiceChannel != *channelID {
		old := cloneID(p.voiceChannel)
		p.voiceChannel = cloneID(channelID)
		if old != nil {
			p.emitLocked(kephaslink.PlayerMoveEvent{Player: p.self, Old: old, New: cloneID(channelID)})
		}
		p.persistLocked()
	}
	p.voice.sessionID = sessionID
	return p.attemptConnectionLocked(ctx, false)
}

// OnVoiceChannelLeft stops playback and marks the player disconnected. The
// player itself survives.
func (p *Player) OnVoiceChannelLeft(ctx context.Context) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	return p.voiceChannelLeftLocked(ctx)
}

// voiceChannelLeftLocked always leaves the player disconnected. A failure to
// clear the remote track is returned after the local state is dropped.
func (p *Player) voiceChannelLeftLocked(ctx context.Context) error {
	var err error
	if p.current != nil {
		err = p.node.UpdatePlayer(ctx, p.guildID, kephaslink.PlayerPatch{EncodedTrack: omit.New[*string](nil)})
		p.previous, p.current = p.current, nil
	}
	p.disconnectedLocked()
	p.persistLocked()
	if err != nil {
		return fmt.Errorf("%s: %w", kephaslink.ErrFailedToStop, err)
	}
	return nil
}

// attemptConnectionLocked sends the combined voice block once both halves
// are present. An unchanged credential is not sent twice unless force is set.
func (p *Player) attemptConnectionLocked(ctx context.Context, force bool) error {
	if !p.voice.complete() {
		return nil
	}
	if !force && p.voice == p.sentVoice {
		return nil
	}

	state := kephaslink.VoiceState{
		Token:     p.voice.token,
		Endpoint:  p.voice.endpoint,
		SessionID: p.voice.sessionID,
		ChannelID: cloneID(p.voiceChannel),
	}
	if err := p.node.UpdatePlayer(ctx, p.guildID, kephaslink.PlayerPatch{Voice: omit.New(state)}); err != nil {
		return err
	}
	p.sentVoice = p.voice
	p.connected = true
	p.logger.Debug("voice credential sent", zap.String("node", p.node.ID()))
	return nil
}

// Play starts the next queued track. It reports false when the queue is
// empty.
func (p *Player) Play(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return false, err
	}
	return p.playNextLocked(ctx)
}

// PlayTrack starts t immediately.
func (p *Player) PlayTrack(ctx context.Context, t kephaslink.Track) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	return p.startLocked(ctx, t)
}

// PlayEncoded decodes an encoded payload on the bound node and plays it. A
// decode failure is reported as a DebugEvent and changes nothing.
func (p *Player) PlayEncoded(ctx context.Context, encoded string) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	t, err := p.node.DecodeTrack(ctx, encoded)
	if err != nil {
		p.debugLocked(fmt.Sprintf("failed to decode track %q", encoded), err)
		return nil
	}
	return p.startLocked(ctx, *t)
}

// playNextLocked shifts the queue head and plays it. The head is put back if
// the node call fails.
func (p *Player) playNextLocked(ctx context.Context) (bool, error) {
	next, ok := p.queue.Shift()
	if !ok {
		return false, nil
	}
	if err := p.startLocked(ctx, next); err != nil {
		_ = p.queue.Insert(1, next)
		return false, err
	}
	return true, nil
}

// startLocked sends t to the node and makes it current. With looping enabled
// the replaced track goes back to the tail of the queue.
func (p *Player) startLocked(ctx context.Context, t kephaslink.Track) error {
	encoded := t.Encoded
	patch := kephaslink.PlayerPatch{
		EncodedTrack: omit.New(&encoded),
		Volume:       omit.New(p.volume),
	}
	if err := p.node.UpdatePlayer(ctx, p.guildID, patch); err != nil {
		return err
	}

	if p.loop != kephaslink.LoopOff && p.current != nil {
		p.queue.Push(*p.current)
	}
	if p.current != nil {
		p.previous = p.current
	}
	p.current = &t
	p.paused = false
	return nil
}

// Pause pauses playback.
func (p *Player) Pause(ctx context.Context) error {
	return p.setPaused(ctx, true)
}

// Resume resumes paused playback.
func (p *Player) Resume(ctx context.Context) error {
	return p.setPaused(ctx, false)
}

func (p *Player) setPaused(ctx context.Context, paused bool) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	if p.paused == paused {
		return nil
	}
	if err := p.node.UpdatePlayer(ctx, p.guildID, kephaslink.PlayerPatch{Paused: omit.New(paused)}); err != nil {
		return err
	}
	p.paused = paused
	p.playing = !paused
	return nil
}

// Stop clears the remote track when nothing is queued and always empties
// the queue. With destroy set and DestroyOnStop configured, the player is
// destroyed instead.
func (p *Player) Stop(ctx context.Context, destroy bool) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	return p.stopLocked(ctx, destroy)
}

func (p *Player) stopLocked(ctx context.Context, destroy bool) error {
	if p.queue.Size() == 0 {
		if err := p.node.UpdatePlayer(ctx, p.guildID, kephaslink.PlayerPatch{EncodedTrack: omit.New[*string](nil)}); err != nil {
			return err
		}
		p.playing = false
		p.paused = false
		stopped := p.current
		if stopped != nil {
			p.previous, p.current = stopped, nil
		}
		p.emitLocked(kephaslink.PlayerStopEvent{Player: p.self, Track: cloneTrack(stopped)})
	} else {
		p.emitLocked(kephaslink.PlayerStopEvent{Player: p.self, Track: cloneTrack(p.current)})
	}

	if p.opts.DestroyOnStop && destroy {
		return p.destroyLocked(ctx)
	}
	p.queue.Clear()
	return nil
}

// Skip plays the track at the 1-based queue position, or the next one when
// position is 0. With nothing queued and no position it stops.
func (p *Player) Skip(ctx context.Context, position int) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	if position < 0 {
		return &kephaslink.IndexError{Position: position, Size: p.queue.Size()}
	}

	if position > 0 {
		t, err := p.queue.Remove(position)
		if err != nil {
			return err
		}
		from := cloneTrack(p.current)
		if err := p.startLocked(ctx, t); err != nil {
			_ = p.queue.Insert(position, t)
			return err
		}
		p.emitLocked(kephaslink.PlayerSkipEvent{Player: p.self, From: from, To: cloneTrack(&t)})
		return nil
	}

	all := p.queue.All()
	if len(all) == 0 {
		return p.stopLocked(ctx, false)
	}
	from := cloneTrack(p.current)
	if _, err := p.playNextLocked(ctx); err != nil {
		return err
	}
	p.emitLocked(kephaslink.PlayerSkipEvent{Player: p.self, From: from, To: cloneTrack(&all[0])})
	return nil
}

// SetVolume changes the volume of the playing track.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	if volume < 0 || volume > kephaslink.MaxVolume {
		return &kephaslink.InvalidArgumentError{Param: "volume", Reason: fmt.Sprintf("%s: %d", kephaslink.ErrInvalidVolume, volume)}
	}
	if !p.playing {
		return &kephaslink.InvalidStateError{Op: "setVolume", Reason: kephaslink.ErrNotPlaying}
	}
	if err := p.node.UpdatePlayer(ctx, p.guildID, kephaslink.PlayerPatch{Volume: omit.New(volume)}); err != nil {
		return err
	}
	p.volume = volume
	p.persistLocked()
	return nil
}

// SetFilters passes a raw filters object through to the node.
func (p *Player) SetFilters(ctx context.Context, filters json.RawMessage) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	if !json.Valid(filters) {
		return &kephaslink.InvalidArgumentError{Param: "filters", Reason: kephaslink.ErrInvalidPayload}
	}
	return p.node.UpdatePlayer(ctx, p.guildID, kephaslink.PlayerPatch{Filters: omit.New(filters)})
}

// SetLoop changes the loop mode.
func (p *Player) SetLoop(mode kephaslink.LoopMode) error {
	if !mode.Valid() {
		return &kephaslink.InvalidArgumentError{Param: "mode", Reason: fmt.Sprintf("%s: %d", kephaslink.ErrInvalidLoopMode, int(mode))}
	}

	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	p.loop = mode
	p.persistLocked()
	return nil
}

// Seek moves the current track to position.
func (p *Player) Seek(ctx context.Context, position time.Duration) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	if p.current == nil {
		return &kephaslink.InvalidStateError{Op: "seek", Reason: kephaslink.ErrNoCurrentTrack}
	}
	if position < 0 {
		return &kephaslink.InvalidArgumentError{Param: "position", Reason: "negative position"}
	}
	if p.current.Info.IsStream || !p.current.Info.IsSeekable {
		return &kephaslink.InvalidStateError{Op: "seek", Reason: kephaslink.ErrNotSeekable}
	}
	if position > p.current.Info.Duration() {
		return &kephaslink.InvalidArgumentError{Param: "position", Reason: fmt.Sprintf("%s: %s > %s", kephaslink.ErrPositionTooLarge, position, p.current.Info.Duration())}
	}

	return p.node.UpdatePlayer(ctx, p.guildID, kephaslink.PlayerPatch{Position: omit.New(position.Milliseconds())})
}

// Destroy releases the node player, leaves voice and clears the queue. A
// destroyed player is inert; a second Destroy is a no-op.
func (p *Player) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if p.destroyed {
		return nil
	}
	return p.destroyLocked(ctx)
}

func (p *Player) destroyLocked(ctx context.Context) error {
	// Only an open node holds a session that knows this player.
	if p.node.State() == kephaslink.NodeOpen {
		if err := p.node.DestroyPlayer(ctx, p.guildID); err != nil {
			return err
		}
	}
	if p.connected && p.opts.Voice != nil {
		if err := p.opts.Voice.UpdateVoiceState(ctx, p.guildID, nil, false, false); err != nil {
			p.debugLocked("failed to leave voice channel", err)
		}
	}

	p.connected = false
	p.playing = false
	p.paused = false
	p.voice = voiceCredential{}
	p.sentVoice = voiceCredential{}
	p.queue.Clear()
	p.destroyed = true
	p.logger.Debug("destroyed")

	guildID := p.guildID
	if onDestroy := p.opts.OnDestroy; onDestroy != nil {
		p.pending = append(p.pending, func() { onDestroy(guildID) })
	}
	p.emitLocked(kephaslink.PlayerDestroyEvent{GuildID: guildID})
	return nil
}

// HandleEvent applies a track lifecycle event from the node. Node call
// failures here have no caller and are reported as DebugEvents.
func (p *Player) HandleEvent(ctx context.Context, ev kephaslink.TrackEvent) {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if p.destroyed {
		return
	}

	switch ev.Type {
	case kephaslink.EventTrackStart:
		p.playing = true
		p.paused = false
		t := p.current
		if t == nil {
			t = ev.Track
		}
		if t != nil {
			p.emitLocked(kephaslink.TrackStartEvent{Player: p.self, Track: *t})
		}

	case kephaslink.EventTrackEnd:
		p.trackEndLocked(ctx, ev)

	case kephaslink.EventTrackStuck:
		t := cloneTrack(p.current)
		if err := p.stopLocked(ctx, false); err != nil {
			p.debugLocked("failed to stop stuck track", err)
		}
		p.emitLocked(kephaslink.TrackStuckEvent{Player: p.self, Track: t, ThresholdMs: ev.ThresholdMs})

	case kephaslink.EventTrackException:
		t := cloneTrack(p.current)
		if err := p.stopLocked(ctx, false); err != nil {
			p.debugLocked("failed to stop failed track", err)
		}
		p.emitLocked(kephaslink.TrackExceptionEvent{Player: p.self, Track: t, Exception: ev.Exception})

	case kephaslink.EventWebSocketClosed:
		p.emitLocked(kephaslink.SocketClosedEvent{Player: p.self, Code: ev.Code, Reason: ev.Reason, ByRemote: ev.ByRemote})

	default:
		p.debugLocked(fmt.Sprintf("%s %q", kephaslink.ErrUnknownEvent, ev.Type), nil)
	}
}

func (p *Player) trackEndLocked(ctx context.Context, ev kephaslink.TrackEvent) {
	reason := ev.EndReason()
	// The node names the ended track; a different current track was started
	// after it.
	stale := ev.Track != nil && p.current != nil && ev.Track.Encoded != p.current.Encoded
	ended := p.current
	if ended == nil || stale {
		ended = ev.Track
	}
	if !stale {
		p.playing = false
	}
	p.emitLocked(kephaslink.TrackEndEvent{Player: p.self, Track: cloneTrack(ended), Reason: reason})

	switch reason {
	case kephaslink.TrackEndReplaced:
		return

	case kephaslink.TrackEndStopped:
		// An explicit stop never loops or autoplays.
		if stale {
			return
		}
		if p.queue.Size() == 0 {
			p.queueEndLocked(ctx, ended)
			return
		}
		if _, err := p.playNextLocked(ctx); err != nil {
			p.debugLocked("failed to play next track", err)
		}
		return

	case kephaslink.TrackEndLoadFailed, kephaslink.TrackEndCleanup:
		if p.queue.Size() == 0 {
			p.queueEndLocked(ctx, ended)
			return
		}
		if _, err := p.playNextLocked(ctx); err != nil {
			p.debugLocked("failed to play next track", err)
		}
		return
	}

	if ended != nil {
		switch p.loop {
		case kephaslink.LoopTrack:
			encoded := ended.Encoded
			if err := p.node.UpdatePlayer(ctx, p.guildID, kephaslink.PlayerPatch{EncodedTrack: omit.New(&encoded)}); err != nil {
				p.debugLocked("failed to repeat track", err)
			}
			return

		case kephaslink.LoopQueue:
			p.queue.Push(*ended)
			p.previous, p.current = ended, nil
			if _, err := p.playNextLocked(ctx); err != nil {
				p.debugLocked("failed to play next track", err)
			}
			return
		}
	}

	if p.queue.Size() > 0 {
		if _, err := p.playNextLocked(ctx); err != nil {
			p.debugLocked("failed to play next track", err)
		}
		return
	}

	if p.autoPlay && ended != nil {
		p.autoPlayLocked(ctx, *ended)
		return
	}

	p.queueEndLocked(ctx, ended)
}

// autoPlayLocked queues a random recommendation related to the ended track.
func (p *Player) autoPlayLocked(ctx context.Context, ended kephaslink.Track) {
	id := ended.Info.Identifier
	uri := fmt.Sprintf("https://www.youtube.com/watch?v=%s&list=RD%s", id, id)

	result, err := p.node.LoadTracks(ctx, uri)
	if err != nil || !result.Playable() {
		if err != nil {
			p.debugLocked("autoplay lookup failed", err)
		}
		if err := p.stopLocked(ctx, false); err != nil {
			p.debugLocked("failed to stop after autoplay", err)
		}
		return
	}

	next := result.Tracks[rand.IntN(len(result.Tracks))]
	p.queue.Push(next)
	if _, err := p.playNextLocked(ctx); err != nil {
		p.debugLocked("failed to play autoplay track", err)
	}
}

func (p *Player) queueEndLocked(ctx context.Context, ended *kephaslink.Track) {
	if p.current != nil {
		p.previous = p.current
	}
	p.current = nil
	p.emitLocked(kephaslink.QueueEndEvent{Player: p.self, Track: cloneTrack(ended)})

	if p.autoLeave {
		if err := p.destroyLocked(ctx); err != nil {
			p.debugLocked("auto leave failed", err)
		}
	}
}

// SetTextChannel changes the text channel for announcements.
func (p *Player) SetTextChannel(id snowflake.ID) {
	p.mu.Lock()
	defer p.unlockAndFlush()

	p.textChannel = id
	p.persistLocked()
}

// SetVoiceChannel changes the target voice channel. A connected player asks
// the gateway to move right away.
func (p *Player) SetVoiceChannel(ctx context.Context, id snowflake.ID, opts kephaslink.ConnectOptions) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	old := p.voiceChannel
	p.voiceChannel = &id
	if p.connected {
		if err := p.connectLocked(ctx, opts); err != nil {
			p.voiceChannel = old
			return err
		}
	}
	p.persistLocked()
	return nil
}

// SetAutoPlay toggles autoplay.
func (p *Player) SetAutoPlay(enabled bool) {
	p.mu.Lock()
	defer p.unlockAndFlush()

	p.autoPlay = enabled
	p.persistLocked()
}

// SetAutoLeave makes the player destroy itself when its queue ends.
func (p *Player) SetAutoLeave(enabled bool) {
	p.mu.Lock()
	defer p.unlockAndFlush()

	p.autoLeave = enabled
	p.persistLocked()
}

// Set stores a value in the attribute bag.
func (p *Player) Set(key string, value any) {
	p.mu.Lock()
	defer p.unlockAndFlush()

	p.data[key] = value
	p.persistLocked()
}

// Get returns a value from the attribute bag.
func (p *Player) Get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.data[key]
	return v, ok
}

// Shuffle shuffles the queue.
func (p *Player) Shuffle() {
	p.queue.Shuffle()
}

// Restart replays the voice credential and the current track after the node
// lost its session.
func (p *Player) Restart(ctx context.Context) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	if p.current == nil && p.queue.Size() == 0 {
		return nil
	}
	if err := p.attemptConnectionLocked(ctx, true); err != nil {
		return err
	}
	if p.current == nil {
		_, err := p.playNextLocked(ctx)
		return err
	}
	return p.resendTrackLocked(ctx)
}

// resendTrackLocked pushes the current track with its position, volume and
// pause state to the bound node.
func (p *Player) resendTrackLocked(ctx context.Context) error {
	encoded := p.current.Encoded
	patch := kephaslink.PlayerPatch{
		EncodedTrack: omit.New(&encoded),
		Volume:       omit.New(p.volume),
		Paused:       omit.New(p.paused),
	}
	if state, ok := p.node.PlaybackState(p.guildID); ok && state.Position > 0 {
		patch.Position = omit.New(state.Position)
	}
	return p.node.UpdatePlayer(ctx, p.guildID, patch)
}

// MoveNode rebinds the player to node and replays its voice credential and
// track there. Any failure leaves the player disconnected.
func (p *Player) MoveNode(ctx context.Context, node kephaslink.Node) error {
	p.mu.Lock()
	defer p.unlockAndFlush()

	if err := p.checkLocked(); err != nil {
		return err
	}
	if node == nil {
		return kephaslink.ErrNoAvailableNode
	}
	old := p.node
	if old.ID() == node.ID() {
		return nil
	}

	// Read the position before the old node forgets the player.
	var position int64
	if state, ok := old.PlaybackState(p.guildID); ok {
		position = state.Position
	}
	if old.State() == kephaslink.NodeOpen {
		if err := old.DestroyPlayer(ctx, p.guildID); err != nil {
			p.debugLocked("failed to release player on "+old.ID(), err)
		}
	}

	p.node = node
	p.sentVoice = voiceCredential{}
	p.logger.Info("moving player", zap.String("from", old.ID()), zap.String("to", node.ID()))

	if err := p.attemptConnectionLocked(ctx, true); err != nil {
		p.disconnectedLocked()
		p.persistLocked()
		return err
	}
	if p.current != nil && p.sentVoice != (voiceCredential{}) {
		encoded := p.current.Encoded
		patch := kephaslink.PlayerPatch{
			EncodedTrack: omit.New(&encoded),
			Volume:       omit.New(p.volume),
			Paused:       omit.New(p.paused),
		}
		if position > 0 {
			patch.Position = omit.New(position)
		}
		if err := node.UpdatePlayer(ctx, p.guildID, patch); err != nil {
			p.disconnectedLocked()
			p.persistLocked()
			return err
		}
	}
	p.persistLocked()
	return nil
}

// Snapshot returns the persisted part of the player state.
func (p *Player) Snapshot() kephaslink.PlayerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Player) snapshotLocked() kephaslink.PlayerSnapshot {
	return kephaslink.PlayerSnapshot{
		GuildID:        p.guildID,
		TextChannelID:  p.textChannel,
		VoiceChannelID: cloneID(p.voiceChannel),
		Node:           p.node.ID(),
		Volume:         p.volume,
		Loop:           p.loop,
		AutoPlay:       p.autoPlay,
		AutoLeave:      p.autoLeave,
		Data:           maps.Clone(p.data),
	}
}

func cloneTrack(t *kephaslink.Track) *kephaslink.Track {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneID(id *snowflake.ID) *snowflake.ID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

var _ kephaslink.Player = (*Player)(nil)
