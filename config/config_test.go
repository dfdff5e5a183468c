package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), *cfg)
}

func TestLoadFlagsMatchDefaults(t *testing.T) {
	cfg, err := Load(newFlagSet(t))
	require.NoError(t, err)
	require.Equal(t, Default(), *cfg)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paradigm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_worker_threads: 3
  strict_nonce: true
service:
  batch_timeout: 50ms
  batch_size: 10
state:
  backend: leveldb
  path: /var/lib/paradigm
arrow:
  auth:
    enabled: true
    token: from-file
`), 0o600))

	t.Setenv("PARADIGM_SERVICE_BATCH_SIZE", "20")
	t.Setenv("PARADIGM_ARROW_AUTH_TOKEN", "from-env")

	cfg, err := Load(newFlagSet(t, "--config", path, "--service.batch_size", "30"))
	require.NoError(t, err)

	// file
	require.Equal(t, 3, cfg.Engine.MaxWorkerThreads)
	require.True(t, cfg.Engine.StrictNonce)
	require.Equal(t, 50*time.Millisecond, cfg.Service.BatchTimeout)
	require.Equal(t, BackendLevelDB, cfg.State.Backend)
	require.True(t, cfg.Arrow.Auth.Enabled)
	// env over file
	require.Equal(t, "from-env", cfg.Arrow.Auth.Token)
	// flag over env
	require.Equal(t, 30, cfg.Service.BatchSize)
	// untouched
	require.Equal(t, Default().Service.ExecutionTimeout, cfg.Service.ExecutionTimeout)
	require.Equal(t, Default().Log.MaxBackups, cfg.Log.MaxBackups)
}

func TestLoadEnvDuration(t *testing.T) {
	t.Setenv("PARADIGM_SERVICE_EXECUTION_TIMEOUT", "2s")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.Service.ExecutionTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(newFlagSet(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"workers":       func(c *Config) { c.Engine.MaxWorkerThreads = 0 },
		"batch size":    func(c *Config) { c.Service.BatchSize = 0 },
		"batch timeout": func(c *Config) { c.Service.BatchTimeout = 0 },
		"batch limit":   func(c *Config) { c.Service.BatchSize = c.Engine.BatchSize + 1 },
		"backend":       func(c *Config) { c.State.Backend = "rocksdb" },
		"leveldb path":  func(c *Config) { c.State.Backend = BackendLevelDB },
		"log level":     func(c *Config) { c.Log.Level = "shout" },
		"arrow mode":    func(c *Config) { c.Arrow.Mode = "stream" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.GRPC.Address = "127.0.0.1:7000"
	cfg.Publisher.Topic = "outcomes"

	require.Equal(t, "127.0.0.1:7000", cfg.ServerConfig().Address)
	require.Equal(t, "outcomes", cfg.NetworkPublisherConfig().Topic)
}
