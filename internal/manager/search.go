package manager

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/balancer"
)

// Search sources with a built-in prefix. Any other source is used verbatim
// as the prefix.
const (
	SourceYouTube      = "youtube"
	SourceYouTubeMusic = "youtubemusic"
	SourceSoundCloud   = "soundcloud"
)

var searchPrefixes = map[string]string{
	SourceYouTube:      "ytsearch",
	SourceYouTubeMusic: "ytmsearch",
	SourceSoundCloud:   "scsearch",
}

// Identifier turns a query into a load identifier. URLs pass through
// untouched; anything else is prefixed with the search prefix of source.
func Identifier(query kephaslink.SearchQuery, defaultSource string) string {
	q := strings.TrimSpace(query.Query)
	if isURL(q) {
		return q
	}

	source := strings.ToLower(strings.TrimSpace(query.Source))
	if source == "" {
		source = defaultSource
	}
	prefix, ok := searchPrefixes[source]
	if !ok {
		prefix = source
	}
	return prefix + ":" + q
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Search resolves a query on the node using the least memory. Registered
// resolvers get the first chance at the query.
func (m *Manager) Search(ctx context.Context, query kephaslink.SearchQuery) (*kephaslink.LoadResult, error) {
	if strings.TrimSpace(query.Query) == "" {
		return nil, &kephaslink.InvalidArgumentError{Param: "query", Reason: "must not be empty"}
	}

	n, err := balancer.Best(m.Nodes(), kephaslink.SortMemory)
	if err != nil {
		return nil, err
	}

	for _, r := range m.cfg.Resolvers {
		if r.CanResolve(query) {
			return r.Resolve(ctx, n, query)
		}
	}
	return n.LoadTracks(ctx, Identifier(query, m.cfg.DefaultSource))
}

var regionPattern = regexp.MustCompile(`([a-zA-Z-]+)\d+`)

// Region extracts the voice region from a voice server endpoint, for example
// "eu-west" from "eu-west123.discord.media:443".
func Region(endpoint string) string {
	match := regionPattern.FindStringSubmatch(endpoint)
	if match == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(match[1], "-"))
}
