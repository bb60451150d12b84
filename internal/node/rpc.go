package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/disgoorg/snowflake/v2"

	"github.com/luciancaetano/kephaslink"
)

func (n *Node) playerPath(guildID snowflake.ID) (string, kephaslink.Version, error) {
	n.mu.RLock()
	sessionID, version := n.sessionID, n.version
	n.mu.RUnlock()

	if sessionID == "" {
		return "", version, fmt.Errorf("%s: %s", kephaslink.ErrNoSession, n.ID())
	}
	return version.RoutePrefix() + "/sessions/" + url.PathEscape(sessionID) + "/players/" + guildID.String(), version, nil
}

// UpdatePlayer sends a partial player update. Backends older than 3.7
// receive the equivalent WebSocket ops instead.
func (n *Node) UpdatePlayer(ctx context.Context, guildID snowflake.ID, patch kephaslink.PlayerPatch) error {
	if n.legacy() {
		return n.updateLegacy(ctx, guildID, patch)
	}

	path, _, err := n.playerPath(guildID)
	if err != nil {
		return err
	}
	params := url.Values{"noReplace": {"false"}}
	return n.rest.Do(ctx, http.MethodPatch, path, params, patch, nil)
}

// DestroyPlayer removes the guild player from the session.
func (n *Node) DestroyPlayer(ctx context.Context, guildID snowflake.ID) error {
	if n.legacy() {
		return n.send(ctx, map[string]any{"op": kephaslink.OpDestroy, "guildId": guildID.String()})
	}

	path, _, err := n.playerPath(guildID)
	if err != nil {
		return err
	}
	if err := n.rest.Do(ctx, http.MethodDelete, path, nil, nil, nil); err != nil {
		return err
	}

	n.mu.Lock()
	delete(n.players, guildID)
	n.mu.Unlock()
	return nil
}

// DecodeTrack resolves an encoded track into its info.
func (n *Node) DecodeTrack(ctx context.Context, encoded string) (*kephaslink.Track, error) {
	version := n.Version()
	param := "encodedTrack"
	if version.RoutePrefix() != "/v4" {
		param = "track"
	}

	var raw json.RawMessage
	path := version.RoutePrefix() + "/decodetrack"
	if err := n.rest.Do(ctx, http.MethodGet, path, url.Values{param: {encoded}}, nil, &raw); err != nil {
		return nil, err
	}

	var track kephaslink.Track
	if err := json.Unmarshal(raw, &track); err != nil {
		return nil, &kephaslink.RPCError{Method: http.MethodGet, Path: path, Status: http.StatusOK, Err: err}
	}
	// Old backends answer with the bare info object.
	if track.Info.Title == "" && track.Info.Identifier == "" {
		var info kephaslink.TrackInfo
		if err := json.Unmarshal(raw, &info); err == nil {
			track.Info = info
		}
	}
	if track.Encoded == "" {
		track.Encoded = encoded
	}
	return &track, nil
}

// LoadTracks resolves an identifier or search query.
func (n *Node) LoadTracks(ctx context.Context, identifier string) (*kephaslink.LoadResult, error) {
	var raw json.RawMessage
	path := n.Version().RoutePrefix() + "/loadtracks"
	if err := n.rest.Do(ctx, http.MethodGet, path, url.Values{"identifier": {identifier}}, nil, &raw); err != nil {
		return nil, err
	}

	result, err := ParseLoadResult(raw)
	if err != nil {
		return nil, &kephaslink.RPCError{Method: http.MethodGet, Path: path, Status: http.StatusOK, Err: err}
	}
	return result, nil
}

// Request performs a control-plane call relative to the version prefix.
// The call counter grows whatever the outcome.
func (n *Node) Request(ctx context.Context, method string, endpoint string, params url.Values, body any, out any) error {
	path := n.Version().RoutePrefix() + "/" + strings.TrimPrefix(endpoint, "/")
	return n.rest.Do(ctx, method, path, params, body, out)
}
