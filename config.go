package jwc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jwc-audio/jwc/metrics"
	"github.com/jwc-audio/jwc/region"
	"github.com/jwc-audio/jwc/rest"
)

// DefaultHandoverDelay is the pause a link waits during a transfer before
// issuing the player update to the new node.
// It encodes a server-side settling requirement and must never be replaced
// with a bare literal in the transfer code path.
const DefaultHandoverDelay = 1000 * time.Millisecond

// DefaultRequestTimeout is the per-call REST timeout applied to a node when
// its config doesn't specify one.
const DefaultRequestTimeout = 10 * time.Second

// DefaultReconnectInterval is the cadence of the orchestrator's reconnect
// scheduler.
const DefaultReconnectInterval = 500 * time.Millisecond

// NodeConfig describes one remote audio server. It is immutable once handed
// to AddNode.
type NodeConfig struct {
	Name           string
	Host           string
	Port           int
	TLS            bool
	Password       string
	Pool           string
	RegionGroup    region.Group
	RequestTimeout time.Duration
	// MaxPlayers, when non-zero, feeds the balancer's pool-capacity penalty
	// provider; it is not an enforced cap.
	MaxPlayers int
}

func (c NodeConfig) scheme(secure, insecure string) string {
	if c.TLS {
		return secure
	}
	return insecure
}

// HTTPURL returns the base URL for this node's REST control plane.
func (c NodeConfig) HTTPURL() string {
	return fmt.Sprintf("%s://%s:%d", c.scheme("https", "http"), c.Host, c.Port)
}

// WSURL returns the URL for this node's event socket.
func (c NodeConfig) WSURL() string {
	return fmt.Sprintf("%s://%s:%d/v4/websocket", c.scheme("wss", "ws"), c.Host, c.Port)
}

func (c NodeConfig) validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "Name", Reason: "required"}
	}
	if c.Host == "" {
		return &ConfigError{Field: "Host", Reason: "required"}
	}
	if c.Port <= 0 {
		return &ConfigError{Field: "Port", Reason: "must be positive"}
	}
	if c.Password == "" {
		return &ConfigError{Field: "Password", Reason: "required"}
	}
	if c.Pool == "" {
		return &ConfigError{Field: "Pool", Reason: "required"}
	}
	return nil
}

func (c NodeConfig) applyDefaults() NodeConfig {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// ClientConfig configures the orchestrator. Token and Embedder are the
// required fields; everything else defaults to a sane standalone
// configuration.
type ClientConfig struct {
	// Token is the bot's auth token; its first dot-separated segment,
	// base64-decoded, yields the numeric bot ID used in the event socket
	// handshake.
	Token string

	// Embedder connects the orchestrator to the chat platform's voice
	// gateway. Required.
	Embedder Embedder

	// HandoverDelay overrides DefaultHandoverDelay for link transfers.
	HandoverDelay time.Duration

	// ReconnectInterval overrides DefaultReconnectInterval for the
	// reconnect scheduler.
	ReconnectInterval time.Duration

	// Logger receives structured logs from the client and every node and
	// link it owns. Defaults to slog.Default().
	Logger *slog.Logger

	// Instance names this client for the event-socket Client-Name header
	// ("jwc/<instance>") and for metrics/eventbridge labeling. Defaults to
	// "default".
	Instance string

	// Codec overrides the JSON codec used by every node's REST client.
	// Defaults to rest.StdCodec.
	Codec rest.Codec

	// Metrics, if set, receives node availability/penalty/player gauges, REST
	// call histograms, reconnect-attempt counters, and link-state gauges from
	// every node and link this client owns. Optional; nil means no
	// instrumentation.
	Metrics *metrics.Metrics
}

func (c ClientConfig) validate() error {
	if c.Token == "" {
		return &ConfigError{Field: "Token", Reason: "required"}
	}
	if c.Embedder == nil {
		return &ConfigError{Field: "Embedder", Reason: "required"}
	}
	return nil
}

func (c ClientConfig) applyDefaults() ClientConfig {
	if c.HandoverDelay == 0 {
		c.HandoverDelay = DefaultHandoverDelay
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Instance == "" {
		c.Instance = "default"
	}
	return c
}

// FileConfig is the user-facing, JSON-tagged configuration document a host
// process loads from disk. It mirrors NodeConfig/ClientConfig but with
// wire-friendly field shapes (milliseconds instead of time.Duration,
// strings instead of region.Group).
type FileConfig struct {
	Token    string           `json:"token"`
	Instance string           `json:"instance,omitempty"`
	Nodes    []FileNodeConfig `json:"nodes"`
	Pools    map[string]string `json:"pools,omitempty"` // guildID -> pool
}

// FileNodeConfig is one node entry in a FileConfig document.
type FileNodeConfig struct {
	Name              string `json:"name"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	TLS               bool   `json:"tls,omitempty"`
	Password          string `json:"password"`
	Pool              string `json:"pool"`
	Region            string `json:"region,omitempty"`
	RequestTimeoutMs  int64  `json:"requestTimeoutMs,omitempty"`
	MaxPlayers        int    `json:"maxPlayers,omitempty"`
}

// rawFileConfig mirrors FileConfig's JSON shape exactly, kept separate so
// FileConfig itself can grow derived/non-serialized fields later without
// disturbing the wire format.
type rawFileConfig struct {
	Token    string            `json:"token"`
	Instance string            `json:"instance,omitempty"`
	Nodes    []FileNodeConfig  `json:"nodes"`
	Pools    map[string]string `json:"pools,omitempty"`
}

// LoadConfigFromFile reads and parses a FileConfig document.
func LoadConfigFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jwc: read config file: %w", err)
	}

	var raw rawFileConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("jwc: parse config file: %w", err)
	}

	return &FileConfig{
		Token:    raw.Token,
		Instance: raw.Instance,
		Nodes:    raw.Nodes,
		Pools:    raw.Pools,
	}, nil
}

// WriteConfigToFile serializes cfg as indented JSON to path, creating parent
// directories as needed.
func WriteConfigToFile(cfg *FileConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("jwc: create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("jwc: marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("jwc: write config file: %w", err)
	}
	return nil
}

// Validate checks required fields across the whole document.
func (c *FileConfig) Validate() error {
	if c.Token == "" {
		return &ConfigError{Field: "token", Reason: "required"}
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" {
			return &ConfigError{Field: fmt.Sprintf("nodes[%d].name", i), Reason: "required"}
		}
		if seen[n.Name] {
			return &ConfigError{Field: fmt.Sprintf("nodes[%d].name", i), Reason: "duplicate"}
		}
		seen[n.Name] = true
		if n.Host == "" {
			return &ConfigError{Field: fmt.Sprintf("nodes[%d].host", i), Reason: "required"}
		}
		if n.Password == "" {
			return &ConfigError{Field: fmt.Sprintf("nodes[%d].password", i), Reason: "required"}
		}
		if n.Pool == "" {
			return &ConfigError{Field: fmt.Sprintf("nodes[%d].pool", i), Reason: "required"}
		}
	}
	return nil
}

// ApplyDefaults fills in zero-valued optional fields across the document.
func (c *FileConfig) ApplyDefaults() {
	if c.Instance == "" {
		c.Instance = "default"
	}
	for i := range c.Nodes {
		if c.Nodes[i].RequestTimeoutMs == 0 {
			c.Nodes[i].RequestTimeoutMs = int64(DefaultRequestTimeout / time.Millisecond)
		}
	}
}

// ToNodes converts every FileNodeConfig entry into a NodeConfig.
func (c *FileConfig) ToNodes() []NodeConfig {
	out := make([]NodeConfig, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		out = append(out, NodeConfig{
			Name:           n.Name,
			Host:           n.Host,
			Port:           n.Port,
			TLS:            n.TLS,
			Password:       n.Password,
			Pool:           n.Pool,
			RegionGroup:    region.FromRaw(n.Region),
			RequestTimeout: time.Duration(n.RequestTimeoutMs) * time.Millisecond,
			MaxPlayers:     n.MaxPlayers,
		})
	}
	return out
}
