// Package config loads kephaslink settings from the environment and an
// optional .env file, and watches node files for changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/logger"
	"github.com/luciancaetano/kephaslink/internal/rest"
)

// Config is the flattened application configuration.
type Config struct {
	DiscordToken string

	Nodes     []kephaslink.NodeConfig
	NodesFile string

	ClientName      string
	SortNode        kephaslink.SortKey
	RetryAmount     int
	RetryDelay      time.Duration
	ResumeTimeout   time.Duration
	BalanceByRegion bool
	DestroyOnStop   bool

	RESTRateLimit float64
	RESTRateBurst int

	LogLevel string
	LogFile  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MySQLDSN      string
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return v
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("30s") and bare milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// Load reads files (default .env) without overriding variables that are
// already set, then builds the configuration from the environment. A missing
// .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := &Config{
		DiscordToken:    os.Getenv("DISCORD_TOKEN"),
		NodesFile:       getEnv("LAVALINK_NODES_FILE", ""),
		ClientName:      getEnv("CLIENT_NAME", kephaslink.DefaultClientName),
		SortNode:        kephaslink.SortKey(getEnv("SORT_NODE", string(kephaslink.SortPlayers))),
		RetryAmount:     getEnvInt("RETRY_AMOUNT", kephaslink.DefaultRetryAmount),
		RetryDelay:      getEnvDuration("RETRY_DELAY", 30*time.Second),
		ResumeTimeout:   getEnvDuration("RESUME_TIMEOUT", 0),
		BalanceByRegion: getEnvBool("BALANCE_BY_REGION", false),
		DestroyOnStop:   getEnvBool("DESTROY_ON_STOP", false),
		RESTRateLimit:   getEnvFloat("REST_RATE_LIMIT", 100),
		RESTRateBurst:   getEnvInt("REST_RATE_BURST", 200),
		LogLevel:        getEnv("LOG_LEVEL", logger.InfoLevel),
		LogFile:         getEnv("LOG_FILE", ""),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		MySQLDSN:        os.Getenv("MYSQL_DSN"),
	}

	nodes, err := ParseNodes(getEnv("LAVALINK_NODES", ""))
	if err != nil {
		return nil, err
	}
	if cfg.NodesFile != "" {
		fromFile, err := ReadNodesFile(cfg.NodesFile)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, fromFile...)
	}
	cfg.Nodes = cfg.ApplyDefaults(nodes)
	return cfg, nil
}

// ApplyDefaults fills the retry and resume settings of nodes that leave them
// unset.
func (c *Config) ApplyDefaults(nodes []kephaslink.NodeConfig) []kephaslink.NodeConfig {
	out := make([]kephaslink.NodeConfig, len(nodes))
	for i, n := range nodes {
		if n.RetryAmount == 0 {
			n.RetryAmount = c.RetryAmount
		}
		if n.RetryDelay == 0 {
			n.RetryDelay = c.RetryDelay
		}
		if n.ResumeTimeout == 0 {
			n.ResumeTimeout = c.ResumeTimeout
		}
		out[i] = n
	}
	return out
}

// RateLimit returns the REST limiter settings. A non-positive rate disables
// limiting.
func (c *Config) RateLimit() *rest.RateLimitConfig {
	if c.RESTRateLimit <= 0 {
		return rest.NoRateLimit()
	}
	burst := c.RESTRateBurst
	if burst <= 0 {
		burst = 1
	}
	return &rest.RateLimitConfig{
		RequestsPerSecond: rate.Limit(c.RESTRateLimit),
		Burst:             burst,
		Enabled:           true,
	}
}

// Logger returns the logger settings.
func (c *Config) Logger() logger.Config {
	return logger.Config{Level: c.LogLevel, File: c.LogFile}
}

// ParseNodes parses a comma separated list of [id@]host:port[:password[:secure]].
func ParseNodes(s string) ([]kephaslink.NodeConfig, error) {
	var nodes []kephaslink.NodeConfig
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		n, err := parseNode(raw)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseNode(raw string) (kephaslink.NodeConfig, error) {
	var n kephaslink.NodeConfig
	if id, rest, ok := strings.Cut(raw, "@"); ok {
		n.Identifier = id
		raw = rest
	}

	parts := strings.Split(raw, ":")
	if len(parts) < 2 || parts[0] == "" {
		return n, &kephaslink.InvalidArgumentError{Param: "LAVALINK_NODES", Reason: fmt.Sprintf("expected host:port in %q", raw)}
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return n, &kephaslink.InvalidArgumentError{Param: "LAVALINK_NODES", Reason: fmt.Sprintf("invalid port %q", parts[1])}
	}
	n.Host = parts[0]
	n.Port = port

	if len(parts) > 2 {
		n.Password = parts[2]
	}
	if len(parts) > 3 {
		flag := strings.ToLower(parts[3])
		secure, err := strconv.ParseBool(flag)
		if err != nil && flag != "secure" {
			return n, &kephaslink.InvalidArgumentError{Param: "LAVALINK_NODES", Reason: fmt.Sprintf("invalid secure flag %q", parts[3])}
		}
		n.Secure = secure || flag == "secure"
	}
	if len(parts) > 4 {
		return n, &kephaslink.InvalidArgumentError{Param: "LAVALINK_NODES", Reason: fmt.Sprintf("too many fields in %q", raw)}
	}
	return n, nil
}

// nodeFile is one entry of a nodes file. Durations are milliseconds.
type nodeFile struct {
	kephaslink.NodeConfig
	RetryDelayMs    int64 `json:"retryDelay,omitempty"`
	ResumeTimeoutMs int64 `json:"resumeTimeout,omitempty"`
}

// ReadNodesFile reads a JSON array of node configurations.
func ReadNodesFile(path string) ([]kephaslink.NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read nodes file: %w", err)
	}
	return DecodeNodes(data)
}

// DecodeNodes decodes the JSON form of a nodes file.
func DecodeNodes(data []byte) ([]kephaslink.NodeConfig, error) {
	var entries []nodeFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%s: %w", kephaslink.ErrInvalidPayload, err)
	}

	nodes := make([]kephaslink.NodeConfig, 0, len(entries))
	for i, e := range entries {
		if e.Host == "" {
			return nil, &kephaslink.InvalidArgumentError{Param: fmt.Sprintf("nodes[%d].host", i), Reason: "must not be empty"}
		}
		n := e.NodeConfig
		n.RetryDelay = time.Duration(e.RetryDelayMs) * time.Millisecond
		n.ResumeTimeout = time.Duration(e.ResumeTimeoutMs) * time.Millisecond
		nodes = append(nodes, n)
	}
	return nodes, nil
}
