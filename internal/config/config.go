// Package config loads and validates HAL9's server configuration, a
// table-serialized YAML document: server_id, the static
// neuron roster, the (opaque) cognition settings, monitoring, network/pool
// tuning, and distributed/hop-limit settings.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the complete configuration for one HAL9 server process.
type Config struct {
	ServerID    string            `yaml:"server_id"`
	Neurons     []NeuronConfig    `yaml:"neurons"`
	Cognition   CognitionConfig   `yaml:"cognition"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Network     NetworkConfig     `yaml:"network"`
	Distributed DistributedConfig `yaml:"distributed"`
}

// NeuronConfig describes one statically-configured neuron.
type NeuronConfig struct {
	ID                   string            `yaml:"id"`
	Layer                string            `yaml:"layer"`
	ForwardConnections   []string          `yaml:"forward_connections"`
	BackwardConnections  []string          `yaml:"backward_connections"`
	Settings             map[string]string `yaml:"settings"`
}

// CognitionConfig is opaque to the core (no opinions on how
// neurons compute); it is passed through to whichever cognition callable
// implementation is selected ("mock" or "live").
type CognitionConfig struct {
	Mode        string        `yaml:"mode"` // "mock" | "live"
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	RateLimit   int           `yaml:"rate_limit"` // requests per second
	Timeout     time.Duration `yaml:"timeout"`
}

// MonitoringConfig controls the control-plane's metrics/logging surface.
type MonitoringConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	LogLevel        string        `yaml:"log_level"`
}

// NetworkConfig configures the listener, static peers, and connection pool.
type NetworkConfig struct {
	ListenAddr string     `yaml:"listen_addr"`
	Peers      []string   `yaml:"peers"`
	Pool       PoolConfig `yaml:"pool"`
}

// PoolConfig mirrors the connection pool's tunable knobs.
type PoolConfig struct {
	MaxConnectionsPerServer int           `yaml:"max_connections_per_server"`
	MaxTotalConnections     int           `yaml:"max_total_connections"`
	IdleTimeoutSeconds      int           `yaml:"idle_timeout_s"`
	ConnectionTimeoutSeconds int          `yaml:"connection_timeout_s"`
	HealthCheckIntervalSeconds int        `yaml:"health_check_interval_s"`
}

// DistributedConfig controls cross-server forwarding.
type DistributedConfig struct {
	Enabled              bool   `yaml:"enabled"`
	MaxHops              int    `yaml:"max_hops"`
	AutoDiscovery        bool   `yaml:"auto_discovery"`
	RemoteTimeoutSeconds int    `yaml:"remote_timeout_s"`
	Coordinator          CoordinatorConfig `yaml:"coordinator"`
}

// CoordinatorConfig controls the Raft-backed state coordinator that keeps
// cluster-wide key/value state consistent. It is only started when
// Distributed.Enabled is set.
type CoordinatorConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	DataDir   string `yaml:"data_dir"`
	Bootstrap bool   `yaml:"bootstrap"`
}

// DefaultConfig returns the configuration a freshly-initialized single-node
// server would run with.
func DefaultConfig() *Config {
	return &Config{
		ServerID: "",
		Neurons:  nil,
		Cognition: CognitionConfig{
			Mode:        "mock",
			Temperature: 0.7,
			MaxTokens:   2048,
			RateLimit:   100,
			Timeout:     30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled:         true,
			MetricsInterval: 10 * time.Second,
			LogLevel:        "info",
		},
		Network: NetworkConfig{
			ListenAddr: "0.0.0.0:7890",
			Peers:      []string{},
			Pool: PoolConfig{
				MaxConnectionsPerServer:    10,
				MaxTotalConnections:        100,
				IdleTimeoutSeconds:         300,
				ConnectionTimeoutSeconds:   10,
				HealthCheckIntervalSeconds: 30,
			},
		},
		Distributed: DistributedConfig{
			Enabled:              false,
			MaxHops:              5,
			AutoDiscovery:        true,
			RemoteTimeoutSeconds: 10,
			Coordinator: CoordinatorConfig{
				BindAddr: "0.0.0.0:7891",
				DataDir:  "./data/coordinator",
			},
		},
	}
}

// Load reads configuration from configFile (or the standard search path when
// empty), overlays environment variables prefixed HAL9_, and validates the
// result.
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("hal9")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.hal9")
		v.AddConfigPath("/etc/hal9")
	}

	v.SetEnvPrefix("HAL9")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Decode by the yaml tags so snake_case keys (server_id, ...) map onto
	// the struct fields.
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate performs the structural checks Load always applies: required
// fields, unique neuron ids, pool bounds, and max_hops. ValidateExtended (in
// validation.go) performs deeper semantic checks a caller can opt into.
func (c *Config) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("server_id is required")
	}

	seen := make(map[string]bool, len(c.Neurons))
	for _, n := range c.Neurons {
		if n.ID == "" {
			return fmt.Errorf("neuron with empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate neuron id %q", n.ID)
		}
		seen[n.ID] = true
	}

	if c.Network.Pool.MaxConnectionsPerServer <= 0 {
		return fmt.Errorf("network.pool.max_connections_per_server must be > 0")
	}
	if c.Network.Pool.MaxTotalConnections < c.Network.Pool.MaxConnectionsPerServer {
		return fmt.Errorf("network.pool.max_total_connections must be >= max_connections_per_server")
	}
	if c.Distributed.Enabled && c.Distributed.MaxHops <= 0 {
		return fmt.Errorf("distributed.max_hops must be > 0 when distributed.enabled")
	}

	return nil
}

// Save writes the configuration back out as YAML, mirroring the round-trip
// the config-reload control-plane operation needs.
func (c *Config) Save(filename string) error {
	v := viper.New()
	v.Set("server_id", c.ServerID)
	v.Set("neurons", c.Neurons)
	v.Set("cognition", c.Cognition)
	v.Set("monitoring", c.Monitoring)
	v.Set("network", c.Network)
	v.Set("distributed", c.Distributed)
	return v.WriteConfigAs(filename)
}
