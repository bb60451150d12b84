package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/go-redis/v9"

	"github.com/luciancaetano/kephaslink"
)

// DefaultRedisKey is the hash that holds one snapshot per guild.
const DefaultRedisKey = "kephaslink:players"

// Redis stores snapshots as JSON values of a single hash keyed by guild id.
type Redis struct {
	client redis.Cmdable
	key    string
}

// NewRedis returns a store on client. An empty key uses DefaultRedisKey.
func NewRedis(client redis.Cmdable, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// ConnectRedis opens a client and checks it with PING.
func ConnectRedis(ctx context.Context, addr string, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (s *Redis) Save(ctx context.Context, snapshot kephaslink.PlayerSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%s: %w", kephaslink.ErrFailedToEncode, err)
	}
	if err := s.client.HSet(ctx, s.key, snapshot.GuildID.String(), data).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snapshot.GuildID, err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, guildID snowflake.ID) error {
	if err := s.client.HDel(ctx, s.key, guildID.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", guildID, err)
	}
	return nil
}

// List returns the stored snapshots ordered by guild id. Entries that fail
// to decode are skipped.
func (s *Redis) List(ctx context.Context) ([]kephaslink.PlayerSnapshot, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	out := make([]kephaslink.PlayerSnapshot, 0, len(values))
	for field, value := range values {
		var snapshot kephaslink.PlayerSnapshot
		if err := json.Unmarshal([]byte(value), &snapshot); err != nil {
			continue
		}
		if snapshot.GuildID == 0 {
			id, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				continue
			}
			snapshot.GuildID = snowflake.ID(id)
		}
		out = append(out, snapshot)
	}
	slices.SortFunc(out, func(a, b kephaslink.PlayerSnapshot) int {
		return compareID(a.GuildID, b.GuildID)
	})
	return out, nil
}

func compareID(a, b snowflake.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

var _ kephaslink.PlayerStore = (*Redis)(nil)
