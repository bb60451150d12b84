// Package disgolink connects kephaslink to a disgo bot. It forwards the
// gateway's voice events to a manager and sends voice state directives
// through the bot's gateway.
//
// The adapter is created before the bot so its listeners can be passed to
// disgo.New:
//
//	adapter := disgolink.New(logger)
//	client, _ := disgo.New(token, append(opts, adapter.ConfigOpts()...)...)
//	adapter.SetClient(client)
//	m := link.New(link.NewConfig(client.ID(), adapter, link.DefaultRateLimitConfig(), store))
//	adapter.SetManager(m)
package disgolink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaslink"
)

// ErrNoClient is returned by UpdateVoiceState before SetClient was called.
var ErrNoClient = errors.New("disgolink: no client bound")

// DefaultTimeout bounds the handling of one gateway voice event.
const DefaultTimeout = 10 * time.Second

// Adapter implements kephaslink.VoiceSender on a disgo client and routes the
// client's voice events into a manager.
type Adapter struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.RWMutex
	client  *bot.Client
	manager kephaslink.Manager
}

var _ kephaslink.VoiceSender = (*Adapter)(nil)

// New returns an adapter without client or manager.
func New(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger, timeout: DefaultTimeout}
}

func (a *Adapter) SetClient(client *bot.Client) {
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
}

func (a *Adapter) SetManager(m kephaslink.Manager) {
	a.mu.Lock()
	a.manager = m
	a.mu.Unlock()
}

func (a *Adapter) getManager() kephaslink.Manager {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.manager
}

// ConfigOpts registers the adapter's voice listeners on a disgo client.
func (a *Adapter) ConfigOpts() []bot.ConfigOpt {
	return []bot.ConfigOpt{
		bot.WithEventListenerFunc(a.OnVoiceStateUpdate),
		bot.WithEventListenerFunc(a.OnVoiceServerUpdate),
	}
}

// UpdateVoiceState sends a voice state update through the gateway. A nil
// channel leaves voice.
func (a *Adapter) UpdateVoiceState(ctx context.Context, guildID snowflake.ID, channelID *snowflake.ID, mute bool, deaf bool) error {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return ErrNoClient
	}
	return client.UpdateVoiceState(ctx, guildID, channelID, mute, deaf)
}

func (a *Adapter) OnVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	a.HandleVoiceState(event.VoiceState)
}

func (a *Adapter) OnVoiceServerUpdate(event *events.VoiceServerUpdate) {
	a.HandleVoiceServer(event.GuildID, event.Endpoint, event.Token)
}

// HandleVoiceState forwards a voice state to the manager.
func (a *Adapter) HandleVoiceState(state discord.VoiceState) {
	m := a.getManager()
	if m == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := m.HandleVoiceStateUpdate(ctx, state.GuildID, state.UserID, state.SessionID, state.ChannelID); err != nil {
		a.logger.Warn("voice state update failed", zap.Stringer("guild", state.GuildID), zap.Error(err))
	}
}

// HandleVoiceServer forwards a voice server credential to the manager. A nil
// endpoint means the voice server is being reallocated and is ignored.
func (a *Adapter) HandleVoiceServer(guildID snowflake.ID, endpoint *string, token string) {
	m := a.getManager()
	if m == nil || endpoint == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := m.HandleVoiceServerUpdate(ctx, guildID, *endpoint, token); err != nil {
		a.logger.Warn("voice server update failed", zap.Stringer("guild", guildID), zap.Error(err))
	}
}
