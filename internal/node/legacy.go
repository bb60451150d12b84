package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaslink"
)

// send writes one op over the WebSocket channel.
func (n *Node) send(ctx context.Context, op map[string]any) error {
	n.mu.RLock()
	conn := n.conn
	n.mu.RUnlock()
	if conn == nil {
		return kephaslink.ErrConnectionClosed
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("%s: %w", kephaslink.ErrFailedToEncode, err)
	}
	n.logger.Debug("sending op", zap.Any("op", op["op"]))
	return conn.Send(ctx, data)
}

func (n *Node) updateLegacy(ctx context.Context, guildID snowflake.ID, patch kephaslink.PlayerPatch) error {
	ops, err := legacyOps(guildID, patch)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := n.send(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// legacyOps translates a player patch into the op messages of backends
// without session routes. A track change carries volume, position and pause
// state in the same play op.
func legacyOps(guildID snowflake.ID, patch kephaslink.PlayerPatch) ([]map[string]any, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kephaslink.ErrFailedToEncode, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%s: %w", kephaslink.ErrFailedToEncode, err)
	}

	gid := guildID.String()
	var ops []map[string]any

	if raw, ok := fields["voice"]; ok {
		var voice kephaslink.VoiceState
		if err := json.Unmarshal(raw, &voice); err != nil {
			return nil, fmt.Errorf("%s: %w", kephaslink.ErrFailedToEncode, err)
		}
		ops = append(ops, map[string]any{
			"op":        kephaslink.OpVoiceUpdate,
			"guildId":   gid,
			"sessionId": voice.SessionID,
			"event": map[string]string{
				"token":    voice.Token,
				"guild_id": gid,
				"endpoint": voice.Endpoint,
			},
		})
	}

	if raw, ok := fields["encodedTrack"]; ok {
		if string(raw) == "null" {
			return append(ops, map[string]any{"op": kephaslink.OpStop, "guildId": gid}), nil
		}
		play := map[string]any{"op": kephaslink.OpPlay, "guildId": gid, "track": raw, "noReplace": false}
		for from, to := range map[string]string{"position": "startTime", "endTime": "endTime", "volume": "volume", "paused": "pause"} {
			if v, ok := fields[from]; ok && string(v) != "null" {
				play[to] = v
			}
		}
		return append(ops, play), nil
	}

	if v, ok := fields["paused"]; ok {
		ops = append(ops, map[string]any{"op": kephaslink.OpPause, "guildId": gid, "pause": v})
	}
	if v, ok := fields["position"]; ok {
		ops = append(ops, map[string]any{"op": kephaslink.OpSeek, "guildId": gid, "position": v})
	}
	if v, ok := fields["volume"]; ok {
		ops = append(ops, map[string]any{"op": kephaslink.OpVolume, "guildId": gid, "volume": v})
	}
	if v, ok := fields["filters"]; ok {
		var filters map[string]json.RawMessage
		if err := json.Unmarshal(v, &filters); err != nil {
			return nil, &kephaslink.InvalidArgumentError{Param: "filters", Reason: err.Error()}
		}
		op := map[string]any{"op": kephaslink.OpFilters, "guildId": gid}
		for k, f := range filters {
			op[k] = f
		}
		ops = append(ops, op)
	}
	return ops, nil
}
