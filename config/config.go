// Package config loads the node configuration from defaults, an optional
// config file, PARADIGM_ environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/paradigm-network/paradigm-engine/api"
	"github.com/paradigm-network/paradigm-engine/engine"
	"github.com/paradigm-network/paradigm-engine/logging"
	"github.com/paradigm-network/paradigm-engine/network"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PARADIGM"

// State backends.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// StateConfig selects the account-state backend.
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	// Genesis is an optional JSON file of initial balances
	Genesis string `mapstructure:"genesis"`
}

// GRPCConfig controls the gRPC health server.
type GRPCConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
}

// PublisherConfig controls the ZeroMQ outcome publisher.
type PublisherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Topic    string `mapstructure:"topic"`
}

// Config is the complete node configuration.
type Config struct {
	Engine    engine.Config         `mapstructure:"engine"`
	Service   engine.ServiceConfig  `mapstructure:"service"`
	State     StateConfig           `mapstructure:"state"`
	Arrow     api.ArrowServerConfig `mapstructure:"arrow"`
	GRPC      GRPCConfig            `mapstructure:"grpc"`
	Metrics   MetricsConfig         `mapstructure:"metrics"`
	Publisher PublisherConfig       `mapstructure:"publisher"`
	Log       logging.Config        `mapstructure:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	grpc := api.DefaultServerConfig()
	pub := network.DefaultPublisherConfig()
	return Config{
		Engine:  engine.DefaultConfig(),
		Service: engine.DefaultServiceConfig(),
		State:   StateConfig{Backend: BackendMemory},
		Arrow:   api.DefaultArrowServerConfig(),
		GRPC: GRPCConfig{
			Enabled:      true,
			Address:      grpc.Address,
			PollInterval: grpc.PollInterval,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Address:   ":9090",
			Namespace: "paradigm",
		},
		Publisher: PublisherConfig{
			Endpoint: pub.Endpoint,
			Topic:    pub.Topic,
		},
		Log: logging.DefaultConfig(),
	}
}

// AddFlags registers a flag for every configuration key, defaulting to the
// built-in configuration.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.String(ConfigFileKey, "", "Path to a config file (yaml, json or toml)")

	fs.Int(EngineMaxWorkerThreadsKey, d.Engine.MaxWorkerThreads, "Number of execution workers")
	fs.Bool(EngineEnableDependencyAnalysisKey, d.Engine.EnableDependencyAnalysis, "Schedule non-conflicting transactions into shared waves")
	fs.Bool(EngineEnableReadWriteAnalysisKey, d.Engine.EnableReadWriteAnalysis, "Include access lists in conflict analysis")
	fs.Int(EngineBatchSizeKey, d.Engine.BatchSize, "Maximum transactions per batch")
	fs.Int(EngineQueueSizeKey, d.Engine.QueueSize, "Worker pool queue size")
	fs.Bool(EngineEnableSpeculativeExecutionKey, d.Engine.EnableSpeculativeExecution, "Execute batches optimistically")
	fs.Bool(EngineRollbackOnConflictKey, d.Engine.RollbackOnConflict, "Re-execute transactions rolled back by speculative validation")
	fs.Bool(EngineStrictNonceKey, d.Engine.StrictNonce, "Reject transactions whose nonce does not match the sender")
	fs.Int(EngineAnalysisCacheSizeKey, d.Engine.AnalysisCacheSize, "Conflict analysis cache entries")
	fs.Duration(EngineAnalysisCacheTTLKey, d.Engine.AnalysisCacheTTL, "Conflict analysis cache TTL")

	fs.Int(ServiceBatchSizeKey, d.Service.BatchSize, "Pending transactions that trigger a batch")
	fs.Duration(ServiceBatchTimeoutKey, d.Service.BatchTimeout, "Maximum wait before a partial batch runs")
	fs.Duration(ServiceExecutionTimeoutKey, d.Service.ExecutionTimeout, "Per-batch execution deadline")
	fs.Int(ServiceMaxPendingKey, d.Service.MaxPending, "Mempool capacity")
	fs.Int(ServiceOutcomeBufferKey, d.Service.OutcomeBuffer, "Buffered batch outcomes")

	fs.String(StateBackendKey, d.State.Backend, "State backend: memory or leveldb")
	fs.String(StatePathKey, d.State.Path, "LevelDB directory")
	fs.String(StateGenesisKey, d.State.Genesis, "JSON file of initial account balances")

	fs.String(ArrowAddressKey, d.Arrow.Address, "Arrow ingress listen address")
	fs.String(ArrowModeKey, d.Arrow.Mode, "Ingress mode: execute batches directly or submit them to the mempool")
	fs.Duration(ArrowIdleTimeoutKey, d.Arrow.IdleTimeout, "Close idle ingress connections after this long")
	fs.Bool(ArrowAuthEnabledKey, d.Arrow.Auth.Enabled, "Require a token handshake on ingress connections")
	fs.String(ArrowAuthTokenKey, d.Arrow.Auth.Token, "Ingress auth token, generated when empty")

	fs.Bool(GRPCEnabledKey, d.GRPC.Enabled, "Serve the gRPC health service")
	fs.String(GRPCAddressKey, d.GRPC.Address, "gRPC listen address")
	fs.Duration(GRPCPollIntervalKey, d.GRPC.PollInterval, "Health status refresh interval")

	fs.Bool(MetricsEnabledKey, d.Metrics.Enabled, "Serve Prometheus metrics")
	fs.String(MetricsAddressKey, d.Metrics.Address, "Metrics listen address")
	fs.String(MetricsNamespaceKey, d.Metrics.Namespace, "Metrics namespace")

	fs.Bool(PublisherEnabledKey, d.Publisher.Enabled, "Publish batch outcomes over ZeroMQ")
	fs.String(PublisherEndpointKey, d.Publisher.Endpoint, "ZeroMQ PUB endpoint")
	fs.String(PublisherTopicKey, d.Publisher.Topic, "ZeroMQ topic")

	fs.String(LogLevelKey, d.Log.Level, "Console log level")
	fs.Bool(LogJSONKey, d.Log.JSON, "Log to console as JSON")
	fs.String(LogDirKey, d.Log.Dir, "Directory for rotated log files")
	fs.String(LogDirLevelKey, d.Log.DirLevel, "File log level")
	fs.Bool(LogDirJSONKey, d.Log.DirJSON, "Log to files as JSON")
	fs.String(LogFilePrefixKey, d.Log.FilePrefix, "Log file name prefix")
}

// Load resolves the configuration. fs may be nil; when it carries a config
// flag that file is read.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if path := v.GetString(ConfigFileKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	for key, value := range map[string]any{
		EngineMaxWorkerThreadsKey:           d.Engine.MaxWorkerThreads,
		EngineEnableDependencyAnalysisKey:   d.Engine.EnableDependencyAnalysis,
		EngineEnableReadWriteAnalysisKey:    d.Engine.EnableReadWriteAnalysis,
		EngineBatchSizeKey:                  d.Engine.BatchSize,
		EngineQueueSizeKey:                  d.Engine.QueueSize,
		EngineEnableSpeculativeExecutionKey: d.Engine.EnableSpeculativeExecution,
		EngineRollbackOnConflictKey:         d.Engine.RollbackOnConflict,
		EngineStrictNonceKey:                d.Engine.StrictNonce,
		EngineAnalysisCacheSizeKey:          d.Engine.AnalysisCacheSize,
		EngineAnalysisCacheTTLKey:           d.Engine.AnalysisCacheTTL,

		ServiceBatchSizeKey:        d.Service.BatchSize,
		ServiceBatchTimeoutKey:     d.Service.BatchTimeout,
		ServiceExecutionTimeoutKey: d.Service.ExecutionTimeout,
		ServiceMaxPendingKey:       d.Service.MaxPending,
		ServiceOutcomeBufferKey:    d.Service.OutcomeBuffer,

		StateBackendKey: d.State.Backend,
		StatePathKey:    d.State.Path,
		StateGenesisKey: d.State.Genesis,

		ArrowAddressKey:     d.Arrow.Address,
		ArrowModeKey:        d.Arrow.Mode,
		ArrowIdleTimeoutKey: d.Arrow.IdleTimeout,
		ArrowAuthEnabledKey: d.Arrow.Auth.Enabled,
		ArrowAuthTokenKey:   d.Arrow.Auth.Token,

		GRPCEnabledKey:      d.GRPC.Enabled,
		GRPCAddressKey:      d.GRPC.Address,
		GRPCPollIntervalKey: d.GRPC.PollInterval,

		MetricsEnabledKey:   d.Metrics.Enabled,
		MetricsAddressKey:   d.Metrics.Address,
		MetricsNamespaceKey: d.Metrics.Namespace,

		PublisherEnabledKey:  d.Publisher.Enabled,
		PublisherEndpointKey: d.Publisher.Endpoint,
		PublisherTopicKey:    d.Publisher.Topic,

		LogLevelKey:      d.Log.Level,
		LogJSONKey:       d.Log.JSON,
		LogDirKey:        d.Log.Dir,
		LogDirLevelKey:   d.Log.DirLevel,
		LogDirJSONKey:    d.Log.DirJSON,
		LogFilePrefixKey: d.Log.FilePrefix,
	} {
		v.SetDefault(key, value)
	}
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Engine.MaxWorkerThreads <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, EngineMaxWorkerThreadsKey)
	case c.Service.BatchSize <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, ServiceBatchSizeKey)
	case c.Service.BatchSize > c.Engine.BatchSize:
		return fmt.Errorf("%w: %s exceeds %s", ErrInvalidConfig, ServiceBatchSizeKey, EngineBatchSizeKey)
	case c.Service.BatchTimeout <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, ServiceBatchTimeoutKey)
	case c.State.Backend != BackendMemory && c.State.Backend != BackendLevelDB:
		return fmt.Errorf("%w: unknown %s %q", ErrInvalidConfig, StateBackendKey, c.State.Backend)
	case c.State.Backend == BackendLevelDB && c.State.Path == "":
		return fmt.Errorf("%w: %s is required for leveldb", ErrInvalidConfig, StatePathKey)
	case c.Arrow.Mode != api.ModeExecute && c.Arrow.Mode != api.ModeSubmit:
		return fmt.Errorf("%w: unknown %s %q", ErrInvalidConfig, ArrowModeKey, c.Arrow.Mode)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ServerConfig returns the gRPC server configuration.
func (c *Config) ServerConfig() *api.ServerConfig {
	sc := api.DefaultServerConfig()
	sc.Address = c.GRPC.Address
	sc.PollInterval = c.GRPC.PollInterval
	return sc
}

// NetworkPublisherConfig returns the ZeroMQ publisher configuration.
func (c *Config) NetworkPublisherConfig() network.PublisherConfig {
	return network.PublisherConfig{
		Endpoint: c.Publisher.Endpoint,
		Topic:    c.Publisher.Topic,
	}
}
