// Package link is the entry point of kephaslink. It builds managers and the
// stores they persist players to.
package link

import (
	"context"

	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/manager"
	"github.com/luciancaetano/kephaslink/internal/rest"
	"github.com/luciancaetano/kephaslink/internal/store"
	"github.com/luciancaetano/kephaslink/internal/transport"
)

type Config = manager.Config
type RateLimitConfig = rest.RateLimitConfig
type TransportOptions = transport.Options
type NodeFactory = manager.NodeFactory
type TrackHandler = manager.TrackHandler

// Search sources understood without a custom prefix.
const (
	SourceYouTube      = manager.SourceYouTube
	SourceYouTubeMusic = manager.SourceYouTubeMusic
	SourceSoundCloud   = manager.SourceSoundCloud
)

// New creates a manager without nodes. Add nodes with AddNode or SyncNodes.
//
// Example:
//
//	cfg := link.NewConfig(botID, voiceSender, link.DefaultRateLimitConfig(), link.MemoryStore())
//	m := link.New(cfg)
//	m.AddNode(ctx, kephaslink.NodeConfig{Identifier: "main", Host: "localhost", Port: 2333, Password: "youshallnotpass"})
func New(cfg *Config) kephaslink.Manager {
	return manager.New(*cfg)
}

// NewConfig returns a configuration with the required collaborators set.
// The remaining fields keep their defaults and can be changed before New.
func NewConfig(userID snowflake.ID, voice kephaslink.VoiceSender, rateLimitConfig *RateLimitConfig, playerStore kephaslink.PlayerStore) *Config {
	return &Config{
		UserID:     userID,
		ClientName: kephaslink.DefaultClientName,
		SortNode:   kephaslink.SortPlayers,
		RateLimit:  rateLimitConfig,
		Voice:      voice,
		Store:      playerStore,
	}
}

// DefaultRateLimitConfig returns the default REST rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return rest.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with REST rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return rest.NoRateLimit()
}

// MemoryStore keeps player snapshots in process memory.
func MemoryStore() kephaslink.PlayerStore {
	return store.NewMemory()
}

// RedisStore keeps player snapshots in a Redis hash. An empty key uses
// "kephaslink:players".
func RedisStore(client redis.Cmdable, key string) kephaslink.PlayerStore {
	return store.NewRedis(client, key)
}

// ConnectRedis opens a Redis client and checks it with PING.
func ConnectRedis(ctx context.Context, addr string, password string, db int) (*redis.Client, error) {
	return store.ConnectRedis(ctx, addr, password, db)
}

// GormStore keeps player snapshots in a SQL table, migrating it first.
func GormStore(db *gorm.DB) (kephaslink.PlayerStore, error) {
	return store.NewGorm(db)
}

// OpenMySQL opens a pooled MySQL database for GormStore.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	return store.OpenMySQL(dsn)
}

// Identifier turns a search query into a load identifier.
func Identifier(query kephaslink.SearchQuery, defaultSource string) string {
	return manager.Identifier(query, defaultSource)
}

// Region extracts the voice region from a voice server endpoint.
func Region(endpoint string) string {
	return manager.Region(endpoint)
}
