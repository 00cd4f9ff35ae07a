// Package config provides configuration loading and validation for the DTM0 daemon.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// Default configuration values
const (
	DefaultLogPath          = "/var/lib/dtm0/log.db"
	DefaultPruneInterval    = 30 * time.Second
	DefaultRetryInterval    = 200 * time.Millisecond
	DefaultMaxRetryInterval = 10 * time.Second
	DefaultCancelTimeout    = 5 * time.Second
	DefaultAckTimeout       = 15 * time.Second
	DefaultHAMaxAge         = 7 * 24 * time.Hour
	DefaultMetricsListen    = ":9464"
)

// Config represents the daemon configuration.
type Config struct {
	ClusterID string              `json:"clusterId"`
	NodeID    dtx.ParticipantID   `json:"nodeId"`
	Members   []dtx.ParticipantID `json:"members"`
	NATS      NATSConfig          `json:"nats"`
	Log       LogConfig           `json:"log"`
	Recovery  RecoveryConfig      `json:"recovery"`
	HA        HAConfig            `json:"ha"`
	Metrics   MetricsConfig       `json:"metrics"`
	Mirror    MirrorConfig        `json:"mirror"`
}

// NATSConfig contains NATS connection settings.
type NATSConfig struct {
	Servers     []string `json:"servers"`
	Credentials string   `json:"credentials,omitempty"`
}

// LogConfig contains DTM0 log settings. The path ":memory:" keeps the
// log in memory, which loses it on restart.
type LogConfig struct {
	Path          string        `json:"path"`
	PruneInterval time.Duration `json:"-"`
}

// InMemory reports whether the log is kept in memory.
func (l LogConfig) InMemory() bool {
	return l.Path == ":memory:"
}

// RecoveryConfig contains recovery task timings.
type RecoveryConfig struct {
	RetryInterval    time.Duration `json:"-"`
	MaxRetryInterval time.Duration `json:"-"`
	CancelTimeout    time.Duration `json:"-"`
	AckTimeout       time.Duration `json:"-"`
}

// HAConfig contains HA event stream settings.
type HAConfig struct {
	MaxAge time.Duration `json:"-"`
}

// MetricsConfig contains the Prometheus endpoint settings. An empty
// listen address disables the endpoint.
type MetricsConfig struct {
	Listen string `json:"listen"`
}

// MirrorConfig controls the registry KV mirror.
type MirrorConfig struct {
	Enabled bool `json:"enabled"`
}

// rawConfig is the file format, with millisecond durations. The same
// field names are used for JSON and YAML.
type rawConfig struct {
	ClusterID string   `json:"clusterId" yaml:"clusterId"`
	NodeID    string   `json:"nodeId" yaml:"nodeId"`
	Members   []string `json:"members,omitempty" yaml:"members,omitempty"`
	NATS      struct {
		Servers     []string `json:"servers" yaml:"servers"`
		Credentials string   `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	} `json:"nats" yaml:"nats"`
	Log struct {
		Path            string `json:"path,omitempty" yaml:"path,omitempty"`
		PruneIntervalMs int64  `json:"pruneIntervalMs,omitempty" yaml:"pruneIntervalMs,omitempty"`
	} `json:"log" yaml:"log"`
	Recovery struct {
		RetryIntervalMs    int64 `json:"retryIntervalMs,omitempty" yaml:"retryIntervalMs,omitempty"`
		MaxRetryIntervalMs int64 `json:"maxRetryIntervalMs,omitempty" yaml:"maxRetryIntervalMs,omitempty"`
		CancelTimeoutMs    int64 `json:"cancelTimeoutMs,omitempty" yaml:"cancelTimeoutMs,omitempty"`
		AckTimeoutMs       int64 `json:"ackTimeoutMs,omitempty" yaml:"ackTimeoutMs,omitempty"`
	} `json:"recovery" yaml:"recovery"`
	HA struct {
		MaxAgeMs int64 `json:"maxAgeMs,omitempty" yaml:"maxAgeMs,omitempty"`
	} `json:"ha" yaml:"ha"`
	Metrics struct {
		Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
	} `json:"metrics" yaml:"metrics"`
	Mirror struct {
		Enabled bool `json:"enabled" yaml:"enabled"`
	} `json:"mirror" yaml:"mirror"`
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFromFile loads configuration from a JSON or YAML file, chosen by
// extension.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw rawConfig
	if isYAML(path) {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := &Config{
		ClusterID: raw.ClusterID,
		NodeID:    dtx.ParticipantID(raw.NodeID),
		NATS: NATSConfig{
			Servers:     raw.NATS.Servers,
			Credentials: raw.NATS.Credentials,
		},
		Log: LogConfig{
			Path:          raw.Log.Path,
			PruneInterval: ms(raw.Log.PruneIntervalMs),
		},
		Recovery: RecoveryConfig{
			RetryInterval:    ms(raw.Recovery.RetryIntervalMs),
			MaxRetryInterval: ms(raw.Recovery.MaxRetryIntervalMs),
			CancelTimeout:    ms(raw.Recovery.CancelTimeoutMs),
			AckTimeout:       ms(raw.Recovery.AckTimeoutMs),
		},
		HA:      HAConfig{MaxAge: ms(raw.HA.MaxAgeMs)},
		Metrics: MetricsConfig{Listen: raw.Metrics.Listen},
		Mirror:  MirrorConfig{Enabled: raw.Mirror.Enabled},
	}
	for _, m := range raw.Members {
		cfg.Members = append(cfg.Members, dtx.ParticipantID(m))
	}
	return cfg, nil
}

// Marshal encodes the configuration in the file format implied by path.
func (c *Config) Marshal(path string) ([]byte, error) {
	var raw rawConfig
	raw.ClusterID = c.ClusterID
	raw.NodeID = string(c.NodeID)
	for _, m := range c.Members {
		raw.Members = append(raw.Members, string(m))
	}
	raw.NATS.Servers = c.NATS.Servers
	raw.NATS.Credentials = c.NATS.Credentials
	raw.Log.Path = c.Log.Path
	raw.Log.PruneIntervalMs = c.Log.PruneInterval.Milliseconds()
	raw.Recovery.RetryIntervalMs = c.Recovery.RetryInterval.Milliseconds()
	raw.Recovery.MaxRetryIntervalMs = c.Recovery.MaxRetryInterval.Milliseconds()
	raw.Recovery.CancelTimeoutMs = c.Recovery.CancelTimeout.Milliseconds()
	raw.Recovery.AckTimeoutMs = c.Recovery.AckTimeout.Milliseconds()
	raw.HA.MaxAgeMs = c.HA.MaxAge.Milliseconds()
	raw.Metrics.Listen = c.Metrics.Listen
	raw.Mirror.Enabled = c.Mirror.Enabled

	if isYAML(path) {
		return yaml.Marshal(&raw)
	}
	return json.MarshalIndent(&raw, "", "  ")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ClusterID == "" {
		return fmt.Errorf("clusterId is required")
	}
	if err := dtx.ParticipantID(c.ClusterID).ValidateToken(); err != nil {
		return fmt.Errorf("clusterId: %w", err)
	}
	if err := c.NodeID.ValidateToken(); err != nil {
		return fmt.Errorf("nodeId: %w", err)
	}
	for _, m := range c.Members {
		if err := m.ValidateToken(); err != nil {
			return fmt.Errorf("members: %w", err)
		}
	}
	if len(c.NATS.Servers) == 0 {
		return fmt.Errorf("nats.servers is required")
	}
	if c.Recovery.MaxRetryInterval < c.Recovery.RetryInterval {
		return fmt.Errorf("recovery.maxRetryIntervalMs must not be below recovery.retryIntervalMs")
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.NodeID != "" && !slices.Contains(c.Members, c.NodeID) {
		c.Members = append(c.Members, c.NodeID)
	}
	slices.Sort(c.Members)

	// Log defaults
	if c.Log.Path == "" {
		c.Log.Path = DefaultLogPath
	}
	if c.Log.PruneInterval == 0 {
		c.Log.PruneInterval = DefaultPruneInterval
	}

	// Recovery defaults
	if c.Recovery.RetryInterval == 0 {
		c.Recovery.RetryInterval = DefaultRetryInterval
	}
	if c.Recovery.MaxRetryInterval == 0 {
		c.Recovery.MaxRetryInterval = DefaultMaxRetryInterval
	}
	if c.Recovery.CancelTimeout == 0 {
		c.Recovery.CancelTimeout = DefaultCancelTimeout
	}
	if c.Recovery.AckTimeout == 0 {
		c.Recovery.AckTimeout = DefaultAckTimeout
	}

	if c.HA.MaxAge == 0 {
		c.HA.MaxAge = DefaultHAMaxAge
	}
}
