// Package store persists player snapshots.
//
// A snapshot carries only the attributes a player can be rebuilt from
// (channels, node, volume, loop, flags and the attribute bag). Playback
// state is never stored.
package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/disgoorg/snowflake/v2"

	"github.com/luciancaetano/kephaslink"
)

// Memory keeps snapshots in process memory.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[snowflake.ID]kephaslink.PlayerSnapshot
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{snapshots: make(map[snowflake.ID]kephaslink.PlayerSnapshot)}
}

func (s *Memory) Save(_ context.Context, snapshot kephaslink.PlayerSnapshot) error {
	snapshot.Data = maps.Clone(snapshot.Data)

	s.mu.Lock()
	s.snapshots[snapshot.GuildID] = snapshot
	s.mu.Unlock()
	return nil
}

func (s *Memory) Delete(_ context.Context, guildID snowflake.ID) error {
	s.mu.Lock()
	delete(s.snapshots, guildID)
	s.mu.Unlock()
	return nil
}

// List returns the snapshots ordered by guild id.
func (s *Memory) List(_ context.Context) ([]kephaslink.PlayerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]kephaslink.PlayerSnapshot, 0, len(s.snapshots))
	for _, id := range slices.Sorted(maps.Keys(s.snapshots)) {
		snapshot := s.snapshots[id]
		snapshot.Data = maps.Clone(snapshot.Data)
		out = append(out, snapshot)
	}
	return out, nil
}

var _ kephaslink.PlayerStore = (*Memory)(nil)
