package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/network"
	"github.com/adamgarcia4/goLearning/spaces/protocol"
)

// Default configuration constants
const (
	DefaultAddress     = "127.0.0.1"
	DefaultPort        = "50051"
	DefaultDataDir     = ".spaces"
	DefaultLogLevel    = "info"
	DefaultConfigFile  = "config.yaml"
	DefaultAuthTimeout = protocol.DefaultAuthTimeout
)

// TopologyConfig bounds the swarm mesh built for every space
type TopologyConfig struct {
	OriginateConnections int `yaml:"originateConnections"`
	MaxPeers             int `yaml:"maxPeers"`
	SampleSize           int `yaml:"sampleSize"`
}

// Config holds the configuration for a node
type Config struct {
	// Storage
	DataDir string `yaml:"dataDir"`

	// Server configuration
	Address string `yaml:"address"`
	Port    string `yaml:"port"`

	// Peer configuration
	Seeds []string `yaml:"seeds,omitempty"` // e.g. ["127.0.0.1:50051", "127.0.0.1:50052"]

	// MetricsAddr serves /metrics when set
	MetricsAddr string `yaml:"metricsAddr,omitempty"`

	Topology    TopologyConfig `yaml:"topology"`
	AuthTimeout time.Duration  `yaml:"authTimeout"`
	LogLevel    string         `yaml:"logLevel"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig(dataDir string) *Config {
	d := network.DefaultTopology()
	return &Config{
		DataDir: dataDir,
		Address: DefaultAddress,
		Port:    DefaultPort,
		Seeds:   []string{},
		Topology: TopologyConfig{
			OriginateConnections: d.OriginateConnections,
			MaxPeers:             d.MaxPeers,
			SampleSize:           d.SampleSize,
		},
		AuthTimeout: DefaultAuthTimeout,
		LogLevel:    DefaultLogLevel,
	}
}

// LoadConfig reads a YAML config over the defaults. A missing file yields the defaults.
func LoadConfig(path, dataDir string) (*Config, error) {
	config := DefaultConfig(dataDir)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return config, nil
}

// Save writes the config as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrDataDirRequired
	}
	if c.Address == "" {
		return ErrAddressRequired
	}
	if c.Port == "" {
		return ErrPortRequired
	}
	if c.AuthTimeout <= 0 {
		return ErrInvalidAuthTimeout
	}
	t := c.Topology
	if t.OriginateConnections < 0 || t.MaxPeers < 0 || t.SampleSize < 0 {
		return ErrInvalidTopology
	}
	if t.MaxPeers > 0 && t.OriginateConnections > t.MaxPeers {
		return ErrInvalidTopology
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// GetAddress returns the full address (address:port)
func (c *Config) GetAddress() string {
	return net.JoinHostPort(c.Address, c.Port)
}

func (c *Config) topology() network.Topology {
	return network.Topology{
		OriginateConnections: c.Topology.OriginateConnections,
		MaxPeers:             c.Topology.MaxPeers,
		SampleSize:           c.Topology.SampleSize,
	}
}

func (c *Config) path(name string) string {
	return filepath.Join(c.DataDir, name)
}
