package node

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/luciancaetano/kephaslink"
)

// ParseLoadResult normalizes a /loadtracks response of either generation.
//
// v4 wraps the payload in "data" and uses lower case load types; v3 puts
// tracks, playlistInfo and exception at the top level with TRACK_LOADED,
// PLAYLIST_LOADED, SEARCH_RESULT, NO_MATCHES and LOAD_FAILED.
func ParseLoadResult(data []byte) (*kephaslink.LoadResult, error) {
	var raw struct {
		LoadType     string                   `json:"loadType"`
		Data         json.RawMessage          `json:"data"`
		Tracks       []kephaslink.Track       `json:"tracks"`
		PlaylistInfo *kephaslink.PlaylistInfo `json:"playlistInfo"`
		Exception    *kephaslink.Exception    `json:"exception"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", kephaslink.ErrInvalidPayload, err)
	}

	result := &kephaslink.LoadResult{}
	switch strings.ToUpper(raw.LoadType) {
	case "TRACK":
		var t kephaslink.Track
		if err := json.Unmarshal(raw.Data, &t); err != nil {
			return nil, fmt.Errorf("%s: %w", kephaslink.ErrInvalidPayload, err)
		}
		result.LoadType = kephaslink.LoadTypeTrack
		result.Tracks = []kephaslink.Track{t}

	case "PLAYLIST":
		var p struct {
			Info   kephaslink.PlaylistInfo `json:"info"`
			Tracks []kephaslink.Track      `json:"tracks"`
		}
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", kephaslink.ErrInvalidPayload, err)
		}
		result.LoadType = kephaslink.LoadTypePlaylist
		result.Tracks = p.Tracks
		result.Playlist = &p.Info

	case "SEARCH":
		if err := json.Unmarshal(raw.Data, &result.Tracks); err != nil {
			return nil, fmt.Errorf("%s: %w", kephaslink.ErrInvalidPayload, err)
		}
		result.LoadType = kephaslink.LoadTypeSearch

	case "ERROR":
		var e kephaslink.Exception
		if err := json.Unmarshal(raw.Data, &e); err != nil {
			return nil, fmt.Errorf("%s: %w", kephaslink.ErrInvalidPayload, err)
		}
		result.LoadType = kephaslink.LoadTypeError
		result.Exception = &e

	case "EMPTY", "NO_MATCHES":
		result.LoadType = kephaslink.LoadTypeEmpty

	case "TRACK_LOADED":
		result.LoadType = kephaslink.LoadTypeTrack
		result.Tracks = raw.Tracks

	case "PLAYLIST_LOADED":
		result.LoadType = kephaslink.LoadTypePlaylist
		result.Tracks = raw.Tracks
		result.Playlist = raw.PlaylistInfo

	case "SEARCH_RESULT":
		result.LoadType = kephaslink.LoadTypeSearch
		result.Tracks = raw.Tracks

	case "LOAD_FAILED":
		result.LoadType = kephaslink.LoadTypeError
		result.Exception = raw.Exception

	default:
		return nil, fmt.Errorf("%s: load type %q", kephaslink.ErrInvalidPayload, raw.LoadType)
	}

	if result.Playlist != nil && result.Playlist.Duration == 0 {
		for _, t := range result.Tracks {
			result.Playlist.Duration += t.Info.Length
		}
	}
	return result, nil
}
