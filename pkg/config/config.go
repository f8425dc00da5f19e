// Package config loads the node's full runtime configuration via
// viper: defaults, an optional config file, and BFTNODE_-prefixed
// environment overrides, unmarshaled into a typed, mapstructure-
// tagged Config tree.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the node reads at startup.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Network   NetworkConfig   `mapstructure:"network"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	API       APIConfig       `mapstructure:"api"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// NodeConfig holds node identity and filesystem layout.
type NodeConfig struct {
	ID            string `mapstructure:"id"`
	DataDir       string `mapstructure:"data_dir"`
	LogLevel      string `mapstructure:"log_level"`
	GenesisFile   string `mapstructure:"genesis_file"`
	ValidatorKey  string `mapstructure:"validator_key_file"`
}

// NetworkConfig controls the raw consensus transport: binding,
// framing limits, and peer bookkeeping. Mirrors a Tendermint-style
// network layer's connection-management surface.
type NetworkConfig struct {
	BindAddr            string        `mapstructure:"bind_addr"`
	MaxPeers            int           `mapstructure:"max_peers"`
	MessageTimeout      time.Duration `mapstructure:"message_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	MaxMessageSize      int           `mapstructure:"max_message_size"`
	PeerTimeout         time.Duration `mapstructure:"peer_timeout"`
	ChannelBufferSize   int           `mapstructure:"channel_buffer_size"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	Bootstrap           []string      `mapstructure:"bootstrap"`
	// PreferQUIC mirrors the Rust config's prefer_quic flag. Currently
	// inert: the consensus transport is raw framed TCP only, and no
	// QUIC listener is wired up (quic-go is pulled in transitively by
	// go-libp2p's discovery transport, not used directly here).
	PreferQUIC bool `mapstructure:"prefer_quic"`
}

// StorageConfig controls the badger-backed block and evidence store.
type StorageConfig struct {
	Engine    string `mapstructure:"engine"`
	Path      string `mapstructure:"path"`
	CacheSize int64  `mapstructure:"cache_size"`
	Sync      bool   `mapstructure:"sync"`
}

// ConsensusConfig is the BFT engine's own tunables: timing, quorum
// threshold, and evidence retention.
type ConsensusConfig struct {
	BlockTime         time.Duration `mapstructure:"block_time"`
	ProposeTimeoutBase time.Duration `mapstructure:"propose_timeout_base"`
	ProposeTimeoutDelta time.Duration `mapstructure:"propose_timeout_delta"`
	PrevoteTimeout    time.Duration `mapstructure:"prevote_timeout"`
	PrecommitTimeout  time.Duration `mapstructure:"precommit_timeout"`
	FinalityThreshold float64       `mapstructure:"finality_threshold"`
	EvidenceHorizon   uint64        `mapstructure:"evidence_horizon"`
}

// SyncConfig controls block catch-up behavior.
type SyncConfig struct {
	MaxInFlight    int           `mapstructure:"max_in_flight"`
	MaxRetries     uint32        `mapstructure:"max_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ArchiveConfig points at an optional S3-compatible sink for
// long-term committed-block archival.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// DiscoveryConfig controls the libp2p-based peer discovery layer,
// separate from the raw consensus wire transport.
type DiscoveryConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	Rendezvous     string   `mapstructure:"rendezvous"`
}

// APIConfig holds the status REST/gRPC surfaces.
type APIConfig struct {
	REST RESTConfig `mapstructure:"rest"`
	GRPC GRPCConfig `mapstructure:"grpc"`
}

// RESTConfig holds status REST API configuration.
type RESTConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// GRPCConfig holds status gRPC API configuration.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// SecurityConfig holds signing and audit configuration.
type SecurityConfig struct {
	AuditLog     bool   `mapstructure:"audit_log"`
	AuditLogPath string `mapstructure:"audit_log_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns production-scale defaults: 1-second target
// block time, ~6-second deterministic finality under normal
// operation, a 200-peer cap.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:      "./data",
			LogLevel:     "info",
			GenesisFile:  "./genesis.json",
			ValidatorKey: "./validator.key",
		},
		Network: NetworkConfig{
			BindAddr:          "0.0.0.0:8900",
			MaxPeers:          200,
			MessageTimeout:    5 * time.Second,
			HeartbeatInterval: 500 * time.Millisecond,
			MaxMessageSize:    1 << 20,
			PeerTimeout:       30 * time.Second,
			ChannelBufferSize: 10_000,
			DialTimeout:       5 * time.Second,
			Bootstrap:         []string{},
			PreferQUIC:        false,
		},
		Storage: StorageConfig{
			Engine:    "badger",
			Path:      "",
			CacheSize: 100 * 1024 * 1024,
			Sync:      true,
		},
		Consensus: ConsensusConfig{
			BlockTime:           1 * time.Second,
			ProposeTimeoutBase:  3 * time.Second,
			ProposeTimeoutDelta: 500 * time.Millisecond,
			PrevoteTimeout:      1 * time.Second,
			PrecommitTimeout:    1 * time.Second,
			FinalityThreshold:   0.667,
			EvidenceHorizon:     10_000,
		},
		Sync: SyncConfig{
			MaxInFlight:    16,
			MaxRetries:     5,
			RequestTimeout: 5 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Endpoint:  "localhost:9000",
			Bucket:    "bftnode-blocks",
			AccessKey: "bftnode",
			SecretKey: "bftnode123",
			UseSSL:    false,
		},
		Discovery: DiscoveryConfig{
			ListenAddr:     "/ip4/0.0.0.0/tcp/4001",
			BootstrapPeers: []string{},
			Rendezvous:     "bftnode-validators",
		},
		API: APIConfig{
			REST: RESTConfig{Enabled: true, Address: "0.0.0.0:1317"},
			GRPC: GRPCConfig{Enabled: true, Address: "0.0.0.0:9090"},
		},
		Security: SecurityConfig{
			AuditLog:     true,
			AuditLogPath: "./logs/audit.log",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:9091",
			Path:    "/metrics",
		},
	}
}

// DevNetworkDefaults returns a config suitable for local multi-node
// testing: ephemeral ports, short timeouts, a small peer cap.
func DevNetworkDefaults() *Config {
	cfg := DefaultConfig()
	cfg.Network.BindAddr = "127.0.0.1:0"
	cfg.Network.MaxPeers = 10
	cfg.Network.MessageTimeout = 1 * time.Second
	cfg.Network.HeartbeatInterval = 200 * time.Millisecond
	cfg.Network.PeerTimeout = 5 * time.Second
	cfg.Network.ChannelBufferSize = 1_000
	cfg.Network.DialTimeout = 1 * time.Second
	cfg.Sync.MaxInFlight = 4
	cfg.Sync.RequestTimeout = 1 * time.Second
	cfg.Discovery.ListenAddr = "/ip4/127.0.0.1/tcp/0"
	return cfg
}

// LoadConfig loads configuration from an optional file layered over
// defaults, then environment variables (BFTNODE_ prefix).
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	v.SetDefault("node.data_dir", cfg.Node.DataDir)
	v.SetDefault("node.log_level", cfg.Node.LogLevel)
	v.SetDefault("node.genesis_file", cfg.Node.GenesisFile)
	v.SetDefault("node.validator_key_file", cfg.Node.ValidatorKey)

	v.SetDefault("network.bind_addr", cfg.Network.BindAddr)
	v.SetDefault("network.max_peers", cfg.Network.MaxPeers)
	v.SetDefault("network.message_timeout", cfg.Network.MessageTimeout)
	v.SetDefault("network.heartbeat_interval", cfg.Network.HeartbeatInterval)
	v.SetDefault("network.max_message_size", cfg.Network.MaxMessageSize)
	v.SetDefault("network.peer_timeout", cfg.Network.PeerTimeout)
	v.SetDefault("network.channel_buffer_size", cfg.Network.ChannelBufferSize)
	v.SetDefault("network.dial_timeout", cfg.Network.DialTimeout)
	v.SetDefault("network.bootstrap", cfg.Network.Bootstrap)
	v.SetDefault("network.prefer_quic", cfg.Network.PreferQUIC)

	v.SetDefault("storage.engine", cfg.Storage.Engine)
	v.SetDefault("storage.cache_size", cfg.Storage.CacheSize)
	v.SetDefault("storage.sync", cfg.Storage.Sync)

	v.SetDefault("consensus.block_time", cfg.Consensus.BlockTime)
	v.SetDefault("consensus.propose_timeout_base", cfg.Consensus.ProposeTimeoutBase)
	v.SetDefault("consensus.propose_timeout_delta", cfg.Consensus.ProposeTimeoutDelta)
	v.SetDefault("consensus.prevote_timeout", cfg.Consensus.PrevoteTimeout)
	v.SetDefault("consensus.precommit_timeout", cfg.Consensus.PrecommitTimeout)
	v.SetDefault("consensus.finality_threshold", cfg.Consensus.FinalityThreshold)
	v.SetDefault("consensus.evidence_horizon", cfg.Consensus.EvidenceHorizon)

	v.SetDefault("sync.max_in_flight", cfg.Sync.MaxInFlight)
	v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)
	v.SetDefault("sync.request_timeout", cfg.Sync.RequestTimeout)

	v.SetDefault("archive.enabled", cfg.Archive.Enabled)
	v.SetDefault("archive.endpoint", cfg.Archive.Endpoint)
	v.SetDefault("archive.bucket", cfg.Archive.Bucket)
	v.SetDefault("archive.access_key", cfg.Archive.AccessKey)
	v.SetDefault("archive.secret_key", cfg.Archive.SecretKey)
	v.SetDefault("archive.use_ssl", cfg.Archive.UseSSL)

	v.SetDefault("discovery.listen_addr", cfg.Discovery.ListenAddr)
	v.SetDefault("discovery.bootstrap_peers", cfg.Discovery.BootstrapPeers)
	v.SetDefault("discovery.rendezvous", cfg.Discovery.Rendezvous)

	v.SetDefault("api.rest.enabled", cfg.API.REST.Enabled)
	v.SetDefault("api.rest.address", cfg.API.REST.Address)
	v.SetDefault("api.grpc.enabled", cfg.API.GRPC.Enabled)
	v.SetDefault("api.grpc.address", cfg.API.GRPC.Address)

	v.SetDefault("security.audit_log", cfg.Security.AuditLog)
	v.SetDefault("security.audit_log_path", cfg.Security.AuditLogPath)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetEnvPrefix("BFTNODE")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	return cfg, nil
}

// Validate checks invariants DefaultConfig always satisfies but a
// loaded file or environment override might violate.
func (c *Config) Validate() error {
	if c.Consensus.BlockTime <= 0 {
		return fmt.Errorf("config: consensus.block_time must be > 0")
	}
	if c.Consensus.FinalityThreshold < 0.5 || c.Consensus.FinalityThreshold > 1.0 {
		return fmt.Errorf("config: consensus.finality_threshold must be in [0.5, 1.0], got %v", c.Consensus.FinalityThreshold)
	}
	if c.Network.MaxMessageSize <= 0 {
		return fmt.Errorf("config: network.max_message_size must be > 0")
	}
	return nil
}
